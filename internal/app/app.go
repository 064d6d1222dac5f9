// Package app initializes and holds long-lived services for one dispatcher
// invocation, acting as a dependency injection container for the commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/tranco-dispatch/internal/clock/system"
	"github.com/JakeFAU/tranco-dispatch/internal/config"
	"github.com/JakeFAU/tranco-dispatch/internal/dispatch"
	idgen "github.com/JakeFAU/tranco-dispatch/internal/id/uuid"
	"github.com/JakeFAU/tranco-dispatch/internal/inventory"
	"github.com/JakeFAU/tranco-dispatch/internal/logging"
	"github.com/JakeFAU/tranco-dispatch/internal/progress"
	"github.com/JakeFAU/tranco-dispatch/internal/progress/sinks"
	pubsubpublisher "github.com/JakeFAU/tranco-dispatch/internal/publisher/pubsub"
	"github.com/JakeFAU/tranco-dispatch/internal/queue"
	"github.com/JakeFAU/tranco-dispatch/internal/remote"
	"github.com/JakeFAU/tranco-dispatch/internal/storage"
	"github.com/JakeFAU/tranco-dispatch/internal/storage/gcs"
	"github.com/JakeFAU/tranco-dispatch/internal/storage/local"
	"github.com/JakeFAU/tranco-dispatch/internal/storage/postgres"
	"github.com/JakeFAU/tranco-dispatch/internal/storage/sqlite"
	"github.com/JakeFAU/tranco-dispatch/internal/store"
	"github.com/JakeFAU/tranco-dispatch/internal/throttle"
	"github.com/JakeFAU/tranco-dispatch/internal/work"
)

// Publisher is a closable outcome publisher.
type Publisher interface {
	sinks.Publisher
	Close() error
}

// App holds the shared services built from one Config.
type App struct {
	Config  config.Config
	Logger  *zap.Logger
	Queue   *queue.DirQueue
	Storage *storage.Router
	// Ledger is nil unless ledger.driver selects a backend.
	Ledger store.OutcomeRepository
	Hub    *progress.Hub

	dialer    remote.Dialer
	publisher Publisher
	gcs       *lazyGCS
	closers   []func() error
	closeOnce sync.Once
}

type options struct {
	logger    *zap.Logger
	dialer    remote.Dialer
	publisher Publisher
	ledger    store.OutcomeRepository
}

// Option overrides a service New would otherwise build from config.
type Option func(*options)

// WithLogger uses logger instead of building one from logging config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithDialer replaces the SSH dialer.
func WithDialer(d remote.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithPublisher replaces the Pub/Sub publisher.
func WithPublisher(p Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithLedger replaces the configured outcome ledger.
func WithLedger(l store.OutcomeRepository) Option {
	return func(o *options) { o.ledger = l }
}

// New creates the App. It fails fast if any configured service cannot be
// initialized; the SSH dialer is deferred to the first Dial so that commands
// which never reach a host do not need keys.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = logging.New(logging.Options{
			Development: cfg.Logging.Development,
			Level:       cfg.Logging.Level,
			Quiet:       cfg.Logging.Quiet,
		})
		if err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
	}

	a := &App{Config: cfg, Logger: logger, dialer: o.dialer, publisher: o.publisher}

	a.Queue = queue.New(cfg.Queue.Root, logger)
	if err := a.Queue.Init(); err != nil {
		return nil, fmt.Errorf("init queue: %w", err)
	}

	a.gcs = &lazyGCS{}
	a.Storage = storage.NewRouter(local.New(local.Config{}))
	a.Storage.Register("gs", a.gcs)
	a.closers = append(a.closers, a.gcs.Close)

	if err := a.initLedger(ctx, o.ledger); err != nil {
		_ = a.closeAll()
		return nil, err
	}
	if err := a.initPublisher(ctx); err != nil {
		_ = a.closeAll()
		return nil, err
	}

	hubSinks := []progress.Sink{sinks.NewLogSink(logger)}
	if a.Ledger != nil {
		hubSinks = append(hubSinks, sinks.NewStoreSink(a.Ledger))
	}
	if a.publisher != nil {
		hubSinks = append(hubSinks, sinks.NewPublishSink(a.publisher, cfg.PubSub.TopicName))
	}
	a.Hub = progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   cfg.Progress.MaxBatchWait,
		Logger:         logger,
	}, hubSinks...)

	logger.Debug("application services initialized",
		zap.String("queue_root", cfg.Queue.Root),
		zap.Bool("ledger", a.Ledger != nil),
		zap.Bool("pubsub", a.publisher != nil),
	)
	return a, nil
}

func (a *App) initLedger(ctx context.Context, override store.OutcomeRepository) error {
	if override != nil {
		a.Ledger = override
		return nil
	}
	cfg := a.Config.Ledger
	switch cfg.Driver {
	case config.LedgerPostgres:
		s, err := postgres.NewOutcomeStore(ctx, postgres.OutcomeStoreConfig{
			DSN:       cfg.DSN,
			Table:     cfg.Table,
			RunsTable: cfg.RunsTable,
		})
		if err != nil {
			return fmt.Errorf("init postgres ledger: %w", err)
		}
		if err := s.EnsureSchema(ctx); err != nil {
			s.Close()
			return err
		}
		a.Ledger = s
		a.closers = append(a.closers, func() error { s.Close(); return nil })
	case config.LedgerSQLite:
		s, err := sqlite.Open(ctx, cfg.DSN, cfg.Table, cfg.RunsTable)
		if err != nil {
			return fmt.Errorf("init sqlite ledger: %w", err)
		}
		a.Ledger = s
		a.closers = append(a.closers, s.Close)
	}
	if a.Ledger != nil {
		a.Logger.Info("recording outcomes", zap.String("driver", cfg.Driver))
	}
	return nil
}

func (a *App) initPublisher(ctx context.Context) error {
	if a.publisher == nil && a.Config.PubSubEnabled() {
		p, err := pubsubpublisher.Dial(ctx, a.Config.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("init pubsub: %w", err)
		}
		a.publisher = p
		a.Logger.Info("publishing outcomes", zap.String("topic", a.Config.PubSub.TopicName))
	}
	if a.publisher != nil {
		a.closers = append(a.closers, a.publisher.Close)
	}
	return nil
}

// Hosts merges hosts named on the command line, in config, and in the
// inventory file, in that order. Duplicates are rejected.
func (a *App) Hosts(args []string) ([]remote.Host, error) {
	specs := append(append([]string(nil), args...), a.Config.Hosts...)
	hosts, err := remote.ParseHosts(specs, a.Config.User, a.Config.SSH.Port)
	if err != nil {
		return nil, fmt.Errorf("parse hosts: %w", err)
	}
	if a.Config.Inventory != "" {
		inv, err := inventory.Load(a.Config.Inventory, a.Config.User, a.Config.SSH.Port)
		if err != nil {
			return nil, err
		}
		seen := make(map[string]bool, len(hosts))
		for _, h := range hosts {
			seen[h.Address()] = true
		}
		for _, h := range inv {
			if seen[h.Address()] {
				return nil, fmt.Errorf("parse hosts: %w: duplicate host %s", remote.ErrInvalidHost, h.Address())
			}
			seen[h.Address()] = true
			hosts = append(hosts, h)
		}
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("%w: no hosts given", config.ErrInvalid)
	}
	return hosts, nil
}

// Coordinator builds a dispatch coordinator for hosts. Keys and known_hosts
// are only loaded when the first host is dialed.
func (a *App) Coordinator(hosts []remote.Host) (*dispatch.Coordinator, error) {
	if a.dialer == nil {
		d := &lazySSH{cfg: remote.SSHConfig{
			KeyPaths:              a.Config.SSH.KeyPaths,
			UseAgent:              a.Config.SSH.UseAgent,
			KnownHosts:            a.Config.SSH.KnownHosts,
			InsecureIgnoreHostKey: a.Config.SSH.InsecureIgnoreHostKey,
		}}
		a.dialer = d
		a.closers = append(a.closers, d.Close)
	}
	commands := dispatch.Commands{
		GitURL:         a.Config.Client.GitURL,
		BrowserProcess: a.Config.Client.BrowserProcess,
	}
	if err := commands.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	exec := remote.NewExecutor(a.dialer, a.Logger)
	runner := dispatch.NewRunner(exec, commands, a.Queue, a.Logger)

	cfg := dispatch.Config{
		Hosts:          hosts,
		Timeout:        a.Config.Timeout,
		Workers:        a.Config.Dispatch.Workers,
		ClientCodePath: a.Config.Client.CodePath,
		Quiet:          a.Config.Logging.Quiet,
		Crawl: work.CrawlParams{
			BinaryPath:    a.Config.Crawl.BinaryPath,
			S3Bucket:      a.Config.Crawl.S3Bucket,
			PageSeconds:   a.Config.Crawl.PageSeconds,
			ClientTimeout: a.Config.Crawl.ClientTimeout,
		},
	}
	if a.Config.Dispatch.PerHostRPS > 0 {
		cfg.Throttle = throttle.New(throttle.Config{
			PerHostRPS:   a.Config.Dispatch.PerHostRPS,
			PerHostBurst: a.Config.Dispatch.PerHostBurst,
		})
	}
	c, err := dispatch.New(cfg, dispatch.Deps{
		Runner:  runner,
		Queue:   a.Queue,
		Emitter: a.Hub,
		IDs:     idgen.New(),
		Clock:   system.New(),
		Logger:  a.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	return c, nil
}

// Close flushes progress sinks and releases every service. It is safe to
// call more than once.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	a.closeOnce.Do(func() {
		if a.Hub != nil {
			if err := a.Hub.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("close progress hub: %w", err))
			}
		}
		if err := a.closeAll(); err != nil {
			errs = append(errs, err)
		}
		// Sync commonly fails on stderr; nothing useful to do about it.
		_ = a.Logger.Sync()
	})
	return errors.Join(errs...)
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// lazyGCS builds the GCS client on first use so that runs which never touch
// gs:// do not need Google credentials.
type lazyGCS struct {
	once   sync.Once
	client *gcsclient.Client
	store  *gcs.Store
	err    error
}

func (l *lazyGCS) get(ctx context.Context) (*gcs.Store, error) {
	l.once.Do(func() {
		l.client, l.err = gcsclient.NewClient(ctx)
		if l.err != nil {
			l.err = fmt.Errorf("create gcs client: %w", l.err)
			return
		}
		l.store, l.err = gcs.New(l.client)
	})
	return l.store, l.err
}

func (l *lazyGCS) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	s, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return s.Open(ctx, location)
}

func (l *lazyGCS) Create(ctx context.Context, location string) (io.WriteCloser, error) {
	s, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return s.Create(ctx, location)
}

func (l *lazyGCS) Close() error {
	if l.client == nil {
		return nil
	}
	if err := l.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}

// lazySSH builds the SSH dialer on the first Dial so that dry runs do not
// need keys, an agent or a known_hosts file.
type lazySSH struct {
	cfg    remote.SSHConfig
	once   sync.Once
	dialer *remote.SSHDialer
	err    error
}

func (l *lazySSH) Dial(ctx context.Context, host remote.Host) (remote.Conn, error) {
	l.once.Do(func() {
		l.dialer, l.err = remote.NewSSHDialer(l.cfg)
		if l.err != nil {
			l.err = fmt.Errorf("init ssh: %w", l.err)
		}
	})
	if l.err != nil {
		return nil, l.err
	}
	return l.dialer.Dial(ctx, host)
}

func (l *lazySSH) Close() error {
	if l.dialer == nil {
		return nil
	}
	return l.dialer.Close()
}
