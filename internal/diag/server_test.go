package diag

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	logx "taskpilot/pkg/logx"
)

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func startServer(t *testing.T, cfg Config, status StatusFunc, opts ...Option) string {
	t.Helper()
	cfg.Addr = freePort(t)
	srv := New(cfg, status, logx.Nop(), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Wait until it accepts connections.
	deadline := time.Now().Add(5 * time.Second)
	for {
		conn, err := net.Dial("tcp", cfg.Addr)
		if err == nil {
			conn.Close()
			return cfg.Addr
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up on %s", cfg.Addr)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, string(b)
}

func TestHealthAndStatus(t *testing.T) {
	t.Parallel()

	addr := startServer(t, Config{Enabled: true}, func() any {
		return map[string]int{"running": 2}
	})

	code, body := get(t, fmt.Sprintf("http://%s/healthz", addr))
	if code != http.StatusOK || body != "ok" {
		t.Errorf("healthz = %d %q", code, body)
	}

	code, body = get(t, fmt.Sprintf("http://%s/statusz", addr))
	if code != http.StatusOK || !strings.Contains(body, `"running": 2`) {
		t.Errorf("statusz = %d %q", code, body)
	}
}

func TestEventsEndpoint(t *testing.T) {
	t.Parallel()

	addr := startServer(t, Config{Enabled: true}, nil, WithEvents(func() any {
		return []map[string]string{{"type": "execution.finished"}}
	}))

	code, body := get(t, fmt.Sprintf("http://%s/eventsz", addr))
	if code != http.StatusOK || !strings.Contains(body, "execution.finished") {
		t.Errorf("eventsz = %d %q", code, body)
	}

	// Without an events source the route is not registered.
	bare := startServer(t, Config{Enabled: true}, nil)
	if code, _ := get(t, fmt.Sprintf("http://%s/eventsz", bare)); code != http.StatusNotFound {
		t.Errorf("eventsz without source: code = %d, want 404", code)
	}
}

func TestTokenRequired(t *testing.T) {
	t.Parallel()

	addr := startServer(t, Config{Enabled: true, Token: "sekrit"}, nil)

	if code, _ := get(t, fmt.Sprintf("http://%s/healthz", addr)); code != http.StatusUnauthorized {
		t.Errorf("no token: code = %d, want 401", code)
	}
	if code, _ := get(t, fmt.Sprintf("http://%s/healthz?token=wrong", addr)); code != http.StatusUnauthorized {
		t.Errorf("wrong token: code = %d, want 401", code)
	}
	if code, _ := get(t, fmt.Sprintf("http://%s/healthz?token=sekrit", addr)); code != http.StatusOK {
		t.Errorf("good token: code = %d, want 200", code)
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	t.Parallel()

	srv := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, nil, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Run(ctx); err == nil || ctx.Err() != nil {
		t.Fatalf("Run = %v, want immediate refusal", err)
	}
}
