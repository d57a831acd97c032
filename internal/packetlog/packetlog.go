package packetlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Record struct {
	RunID     string `json:"run_id"`
	Timestamp string `json:"ts"`
	Type      string `json:"type"`
	Direction string `json:"direction,omitempty"`
	Server    string `json:"server,omitempty"`
	ConnID    int    `json:"conn_id,omitempty"`
	Remote    string `json:"remote,omitempty"`
	Lane      string `json:"lane,omitempty"`
	Length    int    `json:"len,omitempty"`
	Message   string `json:"message,omitempty"`
}

type Logger struct {
	runID string

	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

func New(path, runID string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Logger{
		runID: runID,
		f:     f,
		w:     bufio.NewWriterSize(f, 256*1024),
	}, nil
}

func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w != nil {
		_ = l.w.Flush()
	}
	if l.f != nil {
		err := l.f.Close()
		l.f, l.w = nil, nil
		return err
	}
	return nil
}

// Log appends rec as one JSON line. RunID and Timestamp are filled in when
// empty. A nil Logger discards everything.
func (l *Logger) Log(rec Record) {
	if l == nil {
		return
	}
	if rec.RunID == "" {
		rec.RunID = l.runID
	}
	if rec.Timestamp == "" {
		rec.Timestamp = NowTS()
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.w == nil {
		return
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	_, _ = l.w.Write(append(line, '\n'))
	_ = l.w.Flush()
}

func NowTS() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func MakeRunID() string {
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Sprintf("run-%d", time.Now().UTC().UnixNano())
	}
	return "run-" + id.String()
}

// ResetLogFile truncates path, creating its directory if needed.
func ResetLogFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, nil, 0o644)
}
