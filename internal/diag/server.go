// Package diag is the optional diagnostics HTTP server: pprof endpoints plus
// a JSON status view of the engine. It is operator tooling, not a task API;
// it refuses to bind beyond loopback unless a token is set or the operator
// explicitly opts in.
package diag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	logx "taskpilot/pkg/logx"
)

type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// StatusFunc supplies the /statusz payload. It must be cheap and safe to
// call from any goroutine.
type StatusFunc func() any

type Server struct {
	cfg    Config
	status StatusFunc
	events StatusFunc
	log    logx.Logger
}

type Option func(*Server)

// WithEvents serves the supplied snapshot of recent lifecycle events
// at /eventsz.
func WithEvents(events StatusFunc) Option {
	return func(s *Server) { s.events = events }
}

func New(cfg Config, status StatusFunc, log logx.Logger, opts ...Option) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, status: status, log: log}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run serves until ctx is canceled. It is shaped for a supervisor restart
// loop: a listen or serve failure returns an error, cancellation returns
// context.Canceled.
func (s *Server) Run(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:6060"
	}
	if !s.cfg.AllowInsecure && s.cfg.Token == "" && !isLoopback(addr) {
		return fmt.Errorf("diag server: non-loopback addr %s requires a token or allow_insecure", addr)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("diag listen: %w", err)
	}
	defer ln.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.auth(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("/statusz", s.auth(jsonView(s.status)))
	if s.events != nil {
		mux.HandleFunc("/eventsz", s.auth(jsonView(s.events)))
	}
	mux.HandleFunc("/debug/pprof/", s.auth(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", s.auth(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", s.auth(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", s.auth(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", s.auth(hpprof.Trace))

	srv := &http.Server{
		Handler:     mux,
		ReadTimeout: s.cfg.ReadTimeout,
		// WriteTimeout stays 0 by default; /profile legitimately takes 30s+.
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	s.log.Info("diag server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", s.cfg.Token != ""))

	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("diag server exited unexpectedly")
	}
	return err
}

func (s *Server) auth(h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(s.cfg.Token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const bearer = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, bearer) &&
			strings.TrimSpace(strings.TrimPrefix(ah, bearer)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func jsonView(fn StatusFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		var payload any
		if fn != nil {
			payload = fn()
		}
		_ = enc.Encode(payload)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopback(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
