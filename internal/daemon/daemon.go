package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stepgate/stepgate/internal/api"
	"github.com/stepgate/stepgate/internal/app/control"
	"github.com/stepgate/stepgate/internal/app/enforcement"
	"github.com/stepgate/stepgate/internal/app/ledger"
	"github.com/stepgate/stepgate/internal/app/reconcile"
	"github.com/stepgate/stepgate/internal/app/session"
	"github.com/stepgate/stepgate/internal/domain"
	"github.com/stepgate/stepgate/internal/infra/activity"
	"github.com/stepgate/stepgate/internal/infra/events"
	"github.com/stepgate/stepgate/internal/infra/monitor"
	"github.com/stepgate/stepgate/internal/infra/observability"
	"github.com/stepgate/stepgate/internal/infra/redisstore"
	"github.com/stepgate/stepgate/internal/infra/shield"
	"github.com/stepgate/stepgate/internal/infra/sqlite"
)

// SetupLogging configures the global zerolog logger.
func SetupLogging(cfg LogConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

// Daemon holds every wired component. CLI commands build one to act on the
// shared state directly; `stepgate serve` additionally runs it.
type Daemon struct {
	cfg Config

	DB        *sqlite.DB   // journal and notifications, and the store for the sqlite backend
	Store     domain.Store // shared state
	Tracer    *observability.Tracer
	Publisher domain.EventPublisher

	Source   *activity.StoreSource
	Ingest   *activity.Ingest
	Hub      *activity.Hub
	Monitor  *monitor.Monitor
	Shield   *shield.StoreShield
	Engine   *enforcement.Engine
	Handler  *enforcement.Handler
	Ledger   *ledger.Ledger
	Sessions *session.Manager
	Loop     *reconcile.Loop
	Control  *control.Service
	API      *api.Server

	kafka    *events.KafkaPublisher
	producer *events.KafkaProducer
	redis    *redisstore.Store
}

// New opens storage and wires the components.
func New(ctx context.Context, cfg Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Daemon{cfg: cfg}

	db, err := sqlite.Open(cfg.DataDir())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	d.DB = db
	d.Store = db

	if strings.EqualFold(cfg.Storage.Backend, "redis") {
		rs, err := redisstore.Dial(ctx, cfg.Storage.RedisAddr, cfg.Storage.RedisDB, cfg.Storage.KeyPrefix)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		d.redis = rs
		d.Store = rs
	}

	d.Tracer = observability.NewTracer(observability.TracerConfig{
		Enabled:  cfg.Metrics.Enabled,
		MaxSpans: cfg.Metrics.TraceSpans,
	})

	d.Publisher = events.Nop{}
	if cfg.Events.Enabled {
		d.producer = events.NewKafkaProducer(cfg.Events.Brokers)
		d.kafka = events.NewKafkaPublisher(d.producer, events.Config{Topic: cfg.Events.Topic})
		d.Publisher = d.kafka
	}

	d.wire()
	log.Debug().
		Str("backend", cfg.Storage.Backend).
		Str("data_dir", cfg.DataDir()).
		Bool("events", cfg.Events.Enabled).
		Msg("Daemon wired")
	return d, nil
}

func (d *Daemon) wire() {
	cfg := d.cfg
	d.Hub = activity.NewHub()
	d.Source = activity.NewStoreSource(d.Store, nil, parseDuration(cfg.Reconcile.UsageStaleAfter, time.Minute))
	d.Ingest = activity.NewIngest(d.Store, d.Hub, nil)
	d.Shield = shield.New(d.Store)
	d.Monitor = monitor.New(d.Store, nil, nil)
	d.Engine = enforcement.New(d.Store, d.Shield, d.Monitor)
	d.Handler = enforcement.NewHandler(d.Store, d.Shield, d.Monitor, enforcement.HandlerConfig{Publisher: d.Publisher})
	d.Monitor.SetFire(d.Fire)

	d.Ledger = ledger.New(d.Store, d.DB, ledger.DefaultConfig())
	d.Sessions = session.New(session.Deps{
		Store:     d.Store,
		Ledger:    d.Ledger,
		Engine:    d.Engine,
		Source:    d.Source,
		Notifier:  d.DB,
		Publisher: d.Publisher,
		Tracer:    d.Tracer,
	}, session.Config{WarningLead: parseDuration(cfg.Session.WarningLead, 2*time.Minute)})

	hub := api.NewStateHub()
	d.Loop = reconcile.New(reconcile.Deps{
		Store:     d.Store,
		Source:    d.Source,
		Ledger:    d.Ledger,
		Sessions:  d.Sessions,
		Engine:    d.Engine,
		Feed:      d.Hub,
		Publisher: d.Publisher,
		Tracer:    d.Tracer,
		OnTick: func(ctx context.Context, _ reconcile.Result) {
			if hub.ClientCount() == 0 {
				return
			}
			if snap, err := d.Control.Snapshot(ctx); err == nil {
				hub.Broadcast(snap)
			}
		},
	}, reconcile.Config{
		ActiveInterval: parseDuration(cfg.Reconcile.ActiveInterval, time.Second),
		IdleInterval:   parseDuration(cfg.Reconcile.IdleInterval, 5*time.Second),
	})

	d.Control = control.New(control.Deps{
		Store:    d.Store,
		Source:   d.Source,
		Ledger:   d.Ledger,
		Sessions: d.Sessions,
		Engine:   d.Engine,
		Notifier: d.DB,
		OnChange: d.Loop.Trigger,
	})

	d.API = api.NewServer(d.Control, d.Ingest, d.Monitor, d.DB)
	d.API.SetStateHub(hub)
	d.API.SetTracer(d.Tracer)
	if cfg.Metrics.Enabled {
		d.API.EnableMetrics()
	}
}

// Fire runs the watchdog handler for a named event.
func (d *Daemon) Fire(ctx context.Context, event string) error {
	ev, err := enforcement.ParseEvent(event)
	if err != nil {
		return err
	}
	_, err = d.Handler.Fire(ctx, ev)
	d.Loop.Trigger()
	return err
}

// Run serves the API and runs the reconciliation loop until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if d.kafka != nil {
		go d.kafka.Start(ctx)
	}
	go d.Loop.Start(ctx)

	srv := &http.Server{
		Addr:              d.cfg.Addr(),
		Handler:           d.API.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("StepGate API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			runErr = fmt.Errorf("serve api: %w", err)
		}
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	d.Loop.Wait()
	if d.kafka != nil {
		d.kafka.Wait()
	}
	log.Info().Msg("StepGate stopped")
	return runErr
}

// Close releases storage and broker connections.
func (d *Daemon) Close() error {
	var errs []error
	if d.producer != nil {
		errs = append(errs, d.producer.Close())
	}
	if d.redis != nil {
		errs = append(errs, d.redis.Close())
	}
	if d.DB != nil {
		errs = append(errs, d.DB.Close())
	}
	return errors.Join(errs...)
}
