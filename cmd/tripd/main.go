package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/junbin-yang/go-tripfsm/internal/app"
	"github.com/junbin-yang/go-tripfsm/internal/config"
	"github.com/junbin-yang/go-tripfsm/internal/ingest"
	"github.com/junbin-yang/go-tripfsm/internal/metrics"
	"github.com/junbin-yang/go-tripfsm/internal/observe"
	log "github.com/junbin-yang/go-tripfsm/pkg/logger"
	"github.com/junbin-yang/go-tripfsm/pkg/tripfsm"
)

func main() {
	configPath := flag.String("config", "", "config file (yaml or json)")
	watch := flag.Bool("watch", true, "reload config on change")
	flag.Parse()

	if err := run(*configPath, *watch); err != nil {
		fmt.Fprintf(os.Stderr, "tripd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, watch bool) error {
	mgr := config.NewManager()
	cfg, err := mgr.Load(configPath)
	if err != nil {
		return err
	}
	defer mgr.Close()

	l, err := newLogger(cfg.Logger)
	if err != nil {
		return err
	}
	log.ReplaceDefault(l)
	defer log.Sync()

	if path := mgr.Path(); path != "" {
		log.Info("config loaded", log.String("path", path))
	} else {
		log.Info("no config file found, using defaults")
	}

	if watch && mgr.Path() != "" {
		mgr.OnChange(func(old, new *config.Config) {
			if old.Logger.Level == new.Logger.Level {
				return
			}
			level, err := log.ParseLevel(new.Logger.Level)
			if err != nil {
				return
			}
			log.SetLevel(level)
			log.Info("log level changed", log.String("from", old.Logger.Level), log.String("to", new.Logger.Level))
		})
		if err := mgr.Watch(); err != nil {
			log.Warn("config watch disabled", log.Err(err))
		}
	}

	// 直接调用 ZapLogger 方法的组件少一层包装
	direct := l.WithOptions(log.AddCallerSkip(-1))

	var registry *tripfsm.Registry
	collector := metrics.NewCollector(func() int { return registry.Count() })

	registry = tripfsm.NewRegistry(
		tripfsm.WithAutoOpen(cfg.Registry.AutoOpen),
		tripfsm.WithArchiveTerminal(cfg.Registry.ArchiveTerminal),
		tripfsm.WithQueueSize(cfg.Registry.QueueSize),
		tripfsm.WithTombstoneLimit(cfg.Registry.TombstoneLimit),
		tripfsm.WithMachineOptions(tripfsm.WithHistory(cfg.Registry.History)),
		tripfsm.WithRegistryObserver(observe.Multi(collector, observe.NewLogObserver(direct.Named("fsm")))),
		tripfsm.WithOnArchive(func(tripID string, final tripfsm.Configuration) {
			log.Debug("trip archived", log.String("trip", tripID), log.Stringer("final", final))
		}),
		tripfsm.WithErrorHandler(func(tripID string, event tripfsm.Event, err error) {
			log.Warn("queued event failed", log.String("trip", tripID), log.String("event", event.String()), log.Err(err))
		}),
	)

	a := app.New(cfg.App.Name, app.WithShutdownTimeout(cfg.App.ShutdownTimeout.Std()))

	if cfg.Metrics.Enabled {
		srv := collector.Server(cfg.Metrics.Addr, cfg.Metrics.Path)
		_ = a.AddWorker("metrics",
			func(ctx context.Context) error {
				log.Info("metrics listening", log.String("addr", cfg.Metrics.Addr), log.String("path", cfg.Metrics.Path))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			},
			app.WithStopFunc(srv.Shutdown),
		)
	}

	if cfg.NATS.Enabled {
		nc, err := ingest.Connect(cfg.NATS, collector)
		if err != nil {
			return err
		}
		consumer := ingest.NewConsumer(registry, cfg.NATS.SubjectPrefix,
			ingest.WithMetrics(collector),
			ingest.WithLogger(direct.Named("ingest")),
			ingest.WithDrainTimeout(cfg.App.ShutdownTimeout.Std()/2),
		)
		_ = a.AddWorker("ingest", func(ctx context.Context) error {
			return consumer.Run(ctx, nc, cfg.NATS.QueueGroup)
		})
		a.OnShutdown(func(ctx context.Context) error {
			return nc.Drain()
		})
	}

	// 最后注册，最先执行。ingest 协程退出前已排空订阅，
	// 此时关闭注册表只会等待各行程队列中剩余的事件
	a.OnShutdown(func(ctx context.Context) error {
		registry.Close()
		log.Info("registry closed", log.Int("active", registry.Count()))
		return nil
	})

	return a.Run(context.Background())
}

func newLogger(cfg config.LoggerConfig) (*log.ZapLogger, error) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var out io.Writer
	switch cfg.Output {
	case "stdout":
		out = os.Stdout
	case "file":
		rc := &log.RotateConfig{
			Filename:     cfg.Filename,
			MaxSize:      cfg.MaxSize,
			MaxBackups:   cfg.MaxBackups,
			MaxAge:       cfg.MaxAge,
			Compress:     cfg.Compress,
			RotationTime: cfg.RotationTime.Std(),
			LocalTime:    cfg.LocalTime,
		}
		if cfg.Rotate == "time" {
			out = log.NewRotateByTime(rc)
		} else {
			out = log.NewRotateBySize(rc)
		}
	default:
		out = os.Stderr
	}

	return log.New(out, level, log.AddCaller(), log.AddCallerSkip(2)), nil
}
