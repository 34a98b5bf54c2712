// taskpilotd is the scheduling daemon: it loads the config, opens the task
// database, starts the engine and serves until SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdnotify "github.com/coreos/go-systemd/v22/daemon"

	"taskpilot/internal/config"
	"taskpilot/internal/diag"
	"taskpilot/internal/engine"
	"taskpilot/internal/eventbus"
	runsup "taskpilot/internal/runtime/supervisor"
	"taskpilot/internal/runtimes"
	"taskpilot/internal/store"
	logx "taskpilot/pkg/logx"
)

const stopTimeout = 30 * time.Second

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./taskpilot.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(logxConfig(cfg))
	defer logSvc.Close()
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	settings, err := engineSettings(cfg)
	if err != nil {
		return err
	}

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return err
	}
	db, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	bus := eventbus.New()
	eng := engine.New(db, runtimes.NewDirResolver(cfg.Runtimes.Root), bus,
		log.With(logx.String("comp", "engine")), settings)
	if err := eng.Start(ctx); err != nil {
		return err
	}

	// The watcher applies logging and engine tunables live; the storage
	// section needs a restart and is only reported.
	sup := runsup.New(ctx, runsup.WithLogger(log))
	sup.GoRestart("config.watch", mgr.Watch)

	// The recorder keeps a bounded tail of lifecycle events for /eventsz.
	rec := eventbus.NewRecorder(bus, 256)
	sup.Go("events.record", rec.Run)

	if cfg.Diag.Enabled {
		diagCfg, err := diagConfig(cfg)
		if err != nil {
			return err
		}
		srv := diag.New(diagCfg, func() any { return eng.Snapshot() },
			log.With(logx.String("comp", "diag")),
			diag.WithEvents(func() any { return rec.Recent() }))
		sup.GoRestart("diag.serve", srv.Run,
			runsup.WithBackoff(500*time.Millisecond, 10*time.Second))
	}
	sup.Go("config.apply", func(ctx context.Context) error {
		sub := mgr.Subscribe(4)
		defer mgr.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return nil
			case next := <-sub:
				if next == nil {
					continue
				}
				logSvc.Apply(logxConfig(next))
				if nextSettings, err := engineSettings(next); err != nil {
					log.Warn("engine settings not applied", logx.Err(err))
				} else {
					eng.Apply(nextSettings)
				}
				if len(config.SummarizeChange(cfg, next)) > 0 {
					log.Info("config applied; storage changes take effect on restart")
				}
				cfg = next
			}
		}
	})

	_, _ = sdnotify.SdNotify(false, sdnotify.SdNotifyReady)
	log.Info("taskpilotd ready", logx.String("config", cfgPath))
	<-ctx.Done()
	_, _ = sdnotify.SdNotify(false, sdnotify.SdNotifyStopping)
	log.Info("shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err := eng.Stop(stopCtx); err != nil {
		log.Error("engine stop", logx.Err(err))
	}
	return sup.Stop(stopCtx)
}

func logxConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func diagConfig(cfg *config.Config) (diag.Config, error) {
	d := diag.Config{
		Enabled:       cfg.Diag.Enabled,
		Addr:          cfg.Diag.Addr,
		Token:         cfg.Diag.Token,
		AllowInsecure: cfg.Diag.AllowInsecure,
	}
	var err error
	if d.ReadTimeout, err = config.ParseDurationField("diag.read_timeout", cfg.Diag.ReadTimeout); err != nil {
		return d, err
	}
	if d.WriteTimeout, err = config.ParseDurationField("diag.write_timeout", cfg.Diag.WriteTimeout); err != nil {
		return d, err
	}
	if d.IdleTimeout, err = config.ParseDurationField("diag.idle_timeout", cfg.Diag.IdleTimeout); err != nil {
		return d, err
	}
	return d, nil
}

func engineSettings(cfg *config.Config) (engine.Settings, error) {
	var s engine.Settings
	var err error
	if s.MisfireGrace, err = config.ParseDurationField("engine.misfire_grace", cfg.Engine.MisfireGrace); err != nil {
		return s, err
	}
	if s.TerminateGrace, err = config.ParseDurationField("engine.terminate_grace", cfg.Engine.TerminateGrace); err != nil {
		return s, err
	}
	if s.HardKillBound, err = config.ParseDurationField("engine.hard_kill_bound", cfg.Engine.HardKillBound); err != nil {
		return s, err
	}
	s.LogQueueSize = cfg.Engine.LogQueueSize
	s.SubscriberBuffer = cfg.Engine.SubscriberBuffer
	return s, nil
}
