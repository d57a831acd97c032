package status

// Data is the template model for the status page.
type Data struct {
	Version    string
	RunID      string
	ServerTime string

	PeersOnline int
	Servers     []ServerRow
	Peers       []PeerRow

	// Optional extra line appended after the status block.
	Message string
}

type ServerRow struct {
	Name        string
	Addr        string
	Connections int
}

type PeerRow struct {
	Server   string
	ID       int
	Remote   string
	Uptime   string
	BytesIn  int64
	BytesOut int64
	Evicted  bool
}
