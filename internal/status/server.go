package status

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"text/template"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//go:embed templates/status.tmpl
var statusTemplate string

var templateFuncs = template.FuncMap{"bytes": formatBytes}

// formatBytes renders a traffic counter with a binary unit.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit && exp < 3; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGT"[exp])
}

type Server struct {
	srv *http.Server
}

// New builds the status endpoint: a plain-text page at / rendered from
// provider, and the Prometheus exposition of gatherer at /metrics.
func New(addr string, provider func() Data, gatherer prometheus.Gatherer) (*Server, error) {
	if addr == "" {
		return nil, fmt.Errorf("status addr is empty")
	}
	h, err := Handler(provider, gatherer)
	if err != nil {
		return nil, err
	}
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}}, nil
}

func Handler(provider func() Data, gatherer prometheus.Gatherer) (http.Handler, error) {
	tmpl, err := template.New("status").Funcs(templateFuncs).Option("missingkey=zero").Parse(statusTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse status template: %w", err)
	}

	mux := http.NewServeMux()
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		var data Data
		if provider != nil {
			data = provider()
		}

		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			slog.Error("status template failed", "err", err)
			http.Error(w, "Status Template Error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write(buf.Bytes())
	})
	return mux, nil
}

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("status listen %s: %w", s.srv.Addr, err)
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(sctx)
	}()
	slog.Info("status endpoint listening", "addr", ln.Addr().String())
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
