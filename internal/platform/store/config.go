package store

// Config aggregates per backend configuration
type Config struct {
	AppName string

	// Driver picks the backend: "postgres" or "sqlite"
	Driver string

	PG   PGConfig
	Lite LiteConfig
}

// PGConfig configures postgres connectivity and tracing
type PGConfig struct {
	URL         string
	MaxConns    int32
	LogSQL      bool
	SlowQueryMs int
}

// LiteConfig configures the embedded sqlite backend
type LiteConfig struct {
	// Path is the database file, ":memory:" for an ephemeral store
	Path string
	// BusyTimeoutMs bounds lock waits, default 5000
	BusyTimeoutMs int
	LogSQL        bool
	SlowQueryMs   int
}
