// Package app wires DataCore together: it opens the metadata database,
// the record and document stores, blob storage, mail, the job queue and
// every service, and hands them to the HTTP API, the MCP server and the
// command line.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"datacore/internal/api"
	"datacore/internal/blob"
	"datacore/internal/config"
	"datacore/internal/domain"
	"datacore/internal/etl/sources"
	mcpserver "datacore/internal/mcp"
	"datacore/internal/notify"
	"datacore/internal/recordstore"
	"datacore/internal/redcap"
	"datacore/internal/secret"
	"datacore/internal/service"
	"datacore/internal/storage"
)

const (
	lockPrefix  = "datacore:lock:"
	lockTTL     = 30 * time.Second
	lockTimeout = 10 * time.Second
)

// App holds every long-lived component. Build one with New and release it
// with Close.
type App struct {
	Config  *config.Config
	Catalog *config.Catalog
	Log     *zap.Logger

	DB      *storage.DB
	Models  *recordstore.Registry
	Blobs   blob.Store
	Queue   *service.Queue
	Emitter service.EventEmitter

	Catalogs   *service.CatalogService
	Exports    *service.ExportService
	Pulls      *service.PullService
	Ingest     *service.IngestService
	Migrations *service.MigrationService
	Scheduler  *service.Scheduler

	secrets  secret.Store
	notifier notify.Notifier
	redis    *redis.Client
	closers  []func() error
}

// Option overrides a collaborator New would otherwise build from config.
type Option func(*options)

type options struct {
	secrets   secret.Store
	notifier  notify.Notifier
	emitter   service.EventEmitter
	newClient service.RedcapFactory
}

// WithSecrets replaces the environment secret store.
func WithSecrets(s secret.Store) Option {
	return func(o *options) { o.secrets = s }
}

// WithNotifier replaces the SMTP or log notifier.
func WithNotifier(n notify.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithEmitter replaces the Kafka or no-op event emitter.
func WithEmitter(e service.EventEmitter) Option {
	return func(o *options) { o.emitter = e }
}

// WithRedcapFactory replaces the REDCap HTTP client factory.
func WithRedcapFactory(f service.RedcapFactory) Option {
	return func(o *options) { o.newClient = f }
}

// New opens every backend named by cfg and builds the services. On error
// whatever was already opened is closed.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger, opts ...Option) (*App, error) {
	a := &App{Config: cfg, Log: log}
	if err := a.build(ctx, opts); err != nil {
		a.closeAll()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts []Option) (err error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	cfg := a.Config

	a.Catalog, err = config.LoadCatalog(cfg.CatalogFile)
	if err != nil {
		return err
	}

	a.secrets = o.secrets
	if a.secrets == nil {
		a.secrets = secret.NewEnvStore()
	}

	a.DB, err = storage.New(cfg.MetaDB, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open metadata db: %w", err)
	}
	a.closers = append(a.closers, a.DB.Close)

	if cfg.RedisAddr != "" {
		password, _ := a.secrets.Get(secret.RedisPasswordKey)
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: password})
		a.closers = append(a.closers, a.redis.Close)
	}

	if err := a.openModels(ctx); err != nil {
		return err
	}
	if err := a.openBlobs(ctx); err != nil {
		return err
	}

	a.notifier = o.notifier
	if a.notifier == nil {
		if a.notifier, err = a.newNotifier(); err != nil {
			return err
		}
	}

	a.Emitter = o.emitter
	if a.Emitter == nil {
		a.Emitter = a.newEmitter()
	}

	a.Queue = service.NewQueue(a.Log,
		service.WithWorkers(cfg.Queue.Workers),
		service.WithQueueSize(cfg.Queue.Size),
		service.WithTaskTimeout(cfg.Queue.TaskTimeout),
	)

	newClient := o.newClient
	if newClient == nil {
		newClient = a.redcapFactory
	}
	a.buildServices(newClient)
	return nil
}

// ── Backends ───────────────────────────────────────────────

// openModels registers every catalog model on its backend. Document models
// fall back to the record store when no document store is configured.
func (a *App) openModels(ctx context.Context) error {
	var locker recordstore.Locker = recordstore.NewKeyedMutex()
	if a.redis != nil {
		locker = recordstore.NewRedisLocker(a.redis, lockPrefix, lockTTL, lockTimeout)
	}

	records, err := a.openRecordStore()
	if err != nil {
		return err
	}
	a.Models = recordstore.NewRegistry()
	a.closers = append(a.closers, a.Models.Close)

	recordStore := recordstore.Serialized(records, locker)
	documentStore := recordStore
	if uri := a.Config.DocumentStore.URI; uri != "" {
		password, _ := a.secrets.Get(secret.DocumentStorePasswordKey)
		docs, err := recordstore.OpenMongo(ctx, uri, a.Config.DocumentStore.Database, password)
		if err != nil {
			records.Close()
			return fmt.Errorf("open document store: %w", err)
		}
		documentStore = recordstore.Serialized(docs, locker)
	}

	for _, schema := range a.Catalog.Schemas() {
		store := recordStore
		if schema.Backend == domain.BackendDocuments {
			store = documentStore
		}
		if err := a.Models.Add(schema, store); err != nil {
			return err
		}
	}
	if err := a.Models.EnsureAll(ctx); err != nil {
		return err
	}
	a.Log.Info("record stores ready",
		zap.String("driver", a.Config.RecordStore.Driver),
		zap.Bool("documents", a.Config.DocumentStore.URI != ""),
		zap.Int("models", len(a.Models.Names())),
	)
	return nil
}

func (a *App) openRecordStore() (recordstore.Store, error) {
	rs := a.Config.RecordStore
	if rs.Driver == "memory" {
		return recordstore.NewMemory(), nil
	}
	dsn := rs.DSN
	if dsn == "" {
		password, _ := a.secrets.Get(secret.RecordStorePasswordKey)
		built, err := recordstore.BuildDSN(recordstore.ConnInfo{
			Driver:   rs.Driver,
			Host:     rs.Host,
			Port:     rs.Port,
			Username: rs.User,
			Database: rs.Database,
			SSLMode:  rs.SSLMode,
		}, password)
		if err != nil {
			return nil, fmt.Errorf("open record store: %w", err)
		}
		dsn = built
	}
	store, err := recordstore.OpenSQL(rs.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}
	return store, nil
}

func (a *App) openBlobs(ctx context.Context) error {
	bc := a.Config.Blob
	keyID, _ := a.secrets.Get(secret.S3AccessKeyIDKey)
	keySecret, _ := a.secrets.Get(secret.S3SecretAccessKeyKey)

	store, err := blob.Open(ctx, blob.Config{
		Driver: blob.Driver(bc.Driver),
		FSRoot: bc.FSRoot,
		S3: blob.S3Config{
			Bucket:          bc.S3Bucket,
			Region:          bc.S3Region,
			Endpoint:        bc.S3Endpoint,
			PathStyle:       bc.S3PathStyle,
			AccessKeyID:     keyID,
			SecretAccessKey: keySecret,
		},
	})
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	a.Blobs = store
	return nil
}

func (a *App) newNotifier() (notify.Notifier, error) {
	sc := a.Config.SMTP
	if sc.Host == "" {
		a.Log.Warn("SMTP_HOST not set, notifications are logged only")
		return &notify.LogNotifier{Log: a.Log}, nil
	}
	var password string
	if sc.User != "" {
		p, err := secret.Require(a.secrets, secret.SMTPPasswordKey)
		if err != nil {
			return nil, err
		}
		password = p
	}
	return notify.NewSMTP(notify.SMTPConfig{
		Host:     sc.Host,
		Port:     sc.Port,
		Username: sc.User,
		Password: password,
		From:     sc.From,
	}), nil
}

func (a *App) newEmitter() service.EventEmitter {
	kc := a.Config.Kafka
	if len(kc.Brokers) == 0 {
		return service.NoopEmitter{}
	}
	k := service.NewKafkaEmitter(kc.Brokers, kc.Topic, a.Log)
	a.closers = append(a.closers, k.Close)
	return k
}

func (a *App) redcapFactory(project, token string) sources.RedcapAPI {
	rc := a.Config.Redcap
	return redcap.NewClient(rc.APIURL, token,
		redcap.WithMaxAttempts(rc.MaxAttempts),
		redcap.WithBackoffFactor(rc.BackoffFactor),
		redcap.WithLogger(a.Log.With(zap.String("project", project))),
	)
}

// ── Services ───────────────────────────────────────────────

func (a *App) buildServices(newClient service.RedcapFactory) {
	cfg := a.Config
	log := a.Log
	runs := storage.NewJobRunStore(a.DB)
	catalogStore := storage.NewCatalogStore(a.DB)

	a.Catalogs = service.NewCatalogService(catalogStore, a.Models, log)
	a.Exports = service.NewExportService(
		storage.NewExportStore(a.DB), catalogStore, a.Models, a.Blobs,
		a.Queue, a.notifier, a.Emitter,
		service.ExportOptions{PageSize: cfg.Export.PageSize, Timeout: cfg.Export.Timeout},
		log,
	)
	a.Pulls = service.NewPullService(
		a.Catalog, a.Models, a.Blobs, a.secrets, newClient, runs,
		a.Queue, a.notifier, a.Emitter,
		service.PullOptions{
			SoftLimit:  cfg.Pull.SoftLimit,
			HardLimit:  cfg.Pull.HardLimit,
			ExtendBy:   cfg.Pull.ExtendBy,
			MaxRetries: cfg.Pull.MaxRetries,
			RetryDelay: cfg.Pull.RetryDelay,
			PageSize:   cfg.Redcap.PageSize,
		},
		log,
	)
	a.Ingest = service.NewIngestService(a.Catalog, a.Models, runs, a.Queue, a.Emitter, cfg.IngestDir, log)
	a.Migrations = service.NewMigrationService(a.Catalog, a.Models, runs, log)
	a.Scheduler = service.NewScheduler(a.Pulls, a.Ingest, service.ScheduleOptions{
		Spec:     cfg.Schedule.Spec,
		Projects: cfg.Schedule.Projects,
		Emails:   cfg.Schedule.Emails,
		WatchDir: cfg.IngestDir,
	}, log)
}

// API builds the HTTP server with health checks for every networked backend.
func (a *App) API() *api.Server {
	opts := []api.Option{
		api.WithHealthCheck("metadb", func(ctx context.Context) error {
			return a.DB.Conn().PingContext(ctx)
		}),
	}
	if a.redis != nil {
		opts = append(opts, api.WithHealthCheck("redis", func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}))
	}
	return api.New(a.Catalogs, a.Exports, a.Log, opts...)
}

// MCP builds the stdio MCP server.
func (a *App) MCP(version string) *mcpserver.Server {
	return mcpserver.New(mcpserver.Deps{
		Catalog: a.Catalogs,
		Exports: a.Exports,
		Pulls:   a.Pulls,
		Ingest:  a.Ingest,
		Logger:  a.Log,
		Version: version,
	})
}

// StartScheduler starts the cron pull and the ingest watcher. The watch
// directory is created when missing.
func (a *App) StartScheduler(ctx context.Context) error {
	if err := os.MkdirAll(a.Config.IngestDir, 0o755); err != nil {
		return fmt.Errorf("create ingest dir: %w", err)
	}
	return a.Scheduler.Start(ctx)
}

// ── Shutdown ───────────────────────────────────────────────

// Close stops the scheduler, drains the queue, waits for in-flight jobs
// and closes every backend. ctx bounds the drain.
func (a *App) Close(ctx context.Context) error {
	a.Scheduler.Stop()

	var errs []error
	if err := a.Queue.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain queue: %w", err))
	}
	a.Exports.WaitRunning(ctx)
	a.Pulls.WaitRunning(ctx)
	if err := a.closeAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// closeAll runs the closers newest first.
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
