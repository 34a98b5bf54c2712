package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "taskpilot/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
  file:
    enabled: true
    path: /var/log/taskpilot.log
storage:
  path: /var/lib/taskpilot/taskpilot.db
  busy_timeout: 5s
runtimes:
  root: /opt/taskpilot/runtimes
engine:
  misfire_grace: 30s
  terminate_grace: 10s
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	m := NewManager(writeConfig(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Storage.Path != "/var/lib/taskpilot/taskpilot.db" {
		t.Errorf("storage path = %q", cfg.Storage.Path)
	}
	if cfg.Runtimes.Root != "/opt/taskpilot/runtimes" {
		t.Errorf("runtimes root = %q", cfg.Runtimes.Root)
	}
	if got := m.Get(); got != cfg {
		t.Error("Get does not return the committed config")
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()

	m := NewManager(writeConfig(t, "config.json",
		`{"logging":{"level":"info","console":false,"file":{"enabled":false,"path":""}},`+
			`"storage":{"path":"./db.sqlite"}}`))
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "info" || cfg.Storage.Path != "./db.sqlite" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestUnknownKeyRejected(t *testing.T) {
	t.Parallel()

	m := NewManager(writeConfig(t, "config.yaml", sampleYAML+"\nnot_a_key: 1\n"))
	if _, err := m.Load(); err == nil {
		t.Fatal("want unknown-key error")
	}
}

func TestBadDurationRejected(t *testing.T) {
	t.Parallel()

	m := NewManager(writeConfig(t, "config.yaml", `
storage:
  path: ./db.sqlite
engine:
  misfire_grace: soon
`))
	if _, err := m.Load(); err == nil {
		t.Fatal("want duration parse error")
	}
}

func TestWatchPublishesChange(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "config.yaml", sampleYAML)
	m := NewManager(path)
	m.SetLogger(logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		m.Watch(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-watchDone
	})

	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	// Give the watcher a moment to attach, then change the level.
	time.Sleep(300 * time.Millisecond)
	updated := strings.Replace(sampleYAML, "level: debug", "level: warn", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "warn" {
			t.Errorf("published level = %q", cfg.Logging.Level)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no config published after file change")
	}
}

func TestWatchKeepsOldConfigOnBadReload(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "config.yaml", sampleYAML)
	m := NewManager(path)
	m.SetLogger(logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		m.Watch(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-watchDone
	})

	time.Sleep(300 * time.Millisecond)
	if err := os.WriteFile(path, []byte("{{{ not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Second)

	if got := m.Get().Logging.Level; got != "debug" {
		t.Errorf("level = %q after bad reload, want previous config retained", got)
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()

	a := &Config{Logging: LoggingConfig{Level: "info"}, Storage: StorageConfig{Path: "a.db"}}
	b := &Config{Logging: LoggingConfig{Level: "warn"}, Storage: StorageConfig{Path: "a.db"}}

	got := SummarizeChange(a, b)
	if len(got) != 1 || got[0] != "logging" {
		t.Errorf("changed = %v", got)
	}
	if got := SummarizeChange(a, a); len(got) != 0 {
		t.Errorf("self diff = %v", got)
	}
	if got := SummarizeChange(nil, b); len(got) != 2 {
		t.Errorf("nil diff = %v", got)
	}
}
