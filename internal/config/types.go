package config

// Config is the daemon configuration. JSON and YAML files are both
// accepted; YAML is converted to JSON before strict decoding, so unknown
// keys are rejected in either format.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// Runtimes configures the directory of installed runtimes tasks may
	// reference (<root>/<name>/bin).
	Runtimes RuntimesConfig `json:"runtimes,omitempty"`

	Engine EngineConfig `json:"engine,omitempty"`

	// Diag is the optional diagnostics HTTP server (pprof + status).
	Diag DiagConfig `json:"diag,omitempty"`
}

// DiagConfig controls the diagnostics server. Bind to loopback unless a
// token is set or allow_insecure is explicit.
type DiagConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:6060"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig points at the sqlite database. Path is required.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type RuntimesConfig struct {
	Root string `json:"root,omitempty"`
}

// EngineConfig tunes scheduling and execution behavior.
//
// Defaults (when fields are omitted/zero):
//   - misfire_grace: "1m"
//   - terminate_grace: "10s"
//   - hard_kill_bound: "5s"
//   - log_queue_size: 4096
//   - subscriber_buffer: 256
type EngineConfig struct {
	// MisfireGrace is the lateness beyond which a fire is logged as a
	// misfire. Late fires always run exactly once, never per missed period.
	MisfireGrace string `json:"misfire_grace,omitempty"`

	// TerminateGrace is the default grace period between the polite stop
	// signal and the forceful kill.
	TerminateGrace string `json:"terminate_grace,omitempty"`

	// HardKillBound is how long to wait after a forceful kill before
	// declaring the process an orphan.
	HardKillBound string `json:"hard_kill_bound,omitempty"`

	LogQueueSize     int `json:"log_queue_size,omitempty"`
	SubscriberBuffer int `json:"subscriber_buffer,omitempty"`
}

// Validate checks field syntax. It does not touch the filesystem; path
// existence is the daemon's concern at open time.
func (c *Config) Validate() error {
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("engine.misfire_grace", c.Engine.MisfireGrace); err != nil {
		return err
	}
	if _, err := ParseDurationField("engine.terminate_grace", c.Engine.TerminateGrace); err != nil {
		return err
	}
	if _, err := ParseDurationField("engine.hard_kill_bound", c.Engine.HardKillBound); err != nil {
		return err
	}
	for _, f := range []struct{ path, raw string }{
		{"diag.read_timeout", c.Diag.ReadTimeout},
		{"diag.write_timeout", c.Diag.WriteTimeout},
		{"diag.idle_timeout", c.Diag.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}
