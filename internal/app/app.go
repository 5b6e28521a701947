package app

import (
	"context"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"
	_ "time/tzdata"

	"github.com/asaskevich/EventBus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/gorm"

	"github.com/blipline/blipline/config"
	"github.com/blipline/blipline/internal/campaign"
	"github.com/blipline/blipline/internal/credstore"
	"github.com/blipline/blipline/internal/domain"
	"github.com/blipline/blipline/internal/identity"
	"github.com/blipline/blipline/internal/mailer"
	"github.com/blipline/blipline/internal/notify"
	"github.com/blipline/blipline/internal/protocol/wameow"
	"github.com/blipline/blipline/internal/session"
	"github.com/blipline/blipline/internal/tenantdb"
)

type Application struct {
	appConfig *config.AppConfig
	gormDB    *gorm.DB
	sched     *cron.Cron

	bus      EventBus.Bus
	router   *tenantdb.Router
	creds    *credstore.Store
	dialer   *wameow.Dialer
	resolver *identity.Resolver
	notifier notify.Notifier
	sessions *session.Manager
	queue    *campaign.Queue
}

// Ensure Application implements all interfaces
var (
	_ DBProvider       = (*Application)(nil)
	_ ConfigProvider   = (*Application)(nil)
	_ SettingsProvider = (*Application)(nil)
	_ SessionProvider  = (*Application)(nil)
	_ AppContext       = (*Application)(nil)
)

func NewApplication(appConfig *config.AppConfig) *Application {
	return &Application{appConfig: appConfig}
}

func (a *Application) Config() *config.AppConfig {
	return a.appConfig
}

func (a *Application) DB() *gorm.DB {
	return a.gormDB
}

// OverrideDB replaces the application's database handle (used in tests).
func (a *Application) OverrideDB(db *gorm.DB) {
	a.gormDB = db
}

func (a *Application) Init(cfg *config.AppConfig) {
	loc, err := time.LoadLocation(cfg.System.Location)
	if err != nil {
		zap.S().Error("timezone config error")
	} else {
		time.Local = loc
	}

	// Initialize zap logger
	var zapConfig zap.Config
	if cfg.Logger.Mode == "production" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	zapConfig.OutputPaths = []string{"stdout"}
	if cfg.Logger.FileEnable {
		zapConfig.OutputPaths = append(zapConfig.OutputPaths, cfg.Logger.Filename)
	}

	// Build logger with file rotation if enabled
	var logger *zap.Logger
	if cfg.Logger.FileEnable {
		lumberJackLogger := &lumberjack.Logger{
			Filename:   cfg.Logger.Filename,
			MaxSize:    64,
			MaxBackups: 7,
			MaxAge:     7,
			Compress:   false,
		}

		core := zapcore.NewTee(
			zapcore.NewCore(
				zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
				zapcore.AddSync(lumberJackLogger),
				zapConfig.Level,
			),
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
				zapcore.AddSync(os.Stdout),
				zapConfig.Level,
			),
		)
		logger = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	} else {
		logger, err = zapConfig.Build(zap.AddCaller(), zap.AddCallerSkip(1))
		if err != nil {
			panic(err)
		}
	}

	zap.ReplaceGlobals(logger)

	// Initialize master database connection
	if cfg.Database.Type == "" {
		cfg.Database.Type = "postgres"
	}
	a.gormDB = getDatabase(cfg.Database, cfg.System.Workdir)
	zap.S().Infof("Database connection successful, type: %s", cfg.Database.Type)

	// Ensure master schema is migrated before anything reads settings
	if err := a.MigrateDB(false); err != nil {
		zap.S().Errorf("database migration failed: %v", err)
	}

	// wait for database initialization to complete
	go func() {
		time.Sleep(3 * time.Second)
		a.checkSettings()
	}()

	a.initComponents(cfg)
	a.initJob()
}

// initComponents wires the tenant router, credential store, protocol dialer,
// notification fabric, session manager and campaign queue.
func (a *Application) initComponents(cfg *config.AppConfig) {
	a.router = tenantdb.NewRouter(a.gormDB, 5*time.Second)

	creds, err := credstore.NewStore(a.router, cfg.Messaging.CredentialKey)
	if err != nil {
		zap.S().Fatalf("credential store init failed: %v", err)
	}
	a.creds = creds

	mediaDir := filepath.Join(cfg.System.Workdir, "media")
	if err := os.MkdirAll(mediaDir, 0o755); err != nil {
		zap.S().Errorf("media dir init failed: %v", err)
	}

	storeDriver, storeDSN := protocolStoreTarget(cfg)
	dialer, err := wameow.NewDialer(context.Background(), storeDriver, storeDSN, mediaDir)
	if err != nil {
		zap.S().Fatalf("protocol store init failed: %v", err)
	}
	a.dialer = dialer

	a.resolver = identity.NewResolver()

	a.bus = EventBus.New()
	fanout := notify.Fanout{notify.NewBusNotifier(a.bus)}
	if cfg.Notify.AmqpURL != "" {
		amqpNotifier, err := notify.NewAMQPNotifier(cfg.Notify.AmqpURL, cfg.Notify.AmqpExchange)
		if err != nil {
			zap.S().Errorf("amqp notifier init failed: %v", err)
		} else {
			fanout = append(fanout, amqpNotifier)
		}
	}
	a.notifier = fanout

	a.sessions = session.NewManager(a.router, a.creds, a.dialer, a.resolver, a.notifier, session.Config{
		ReconnectDelay: time.Duration(cfg.Messaging.ReconnectDelay) * time.Second,
		RestoreDelay:   time.Duration(cfg.Messaging.RestoreDelay) * time.Second,
		RestoreWorkers: cfg.Messaging.RestoreWorkers,
	})

	a.queue = campaign.NewQueue(a.router, a.sessions, mailer.NewMailer(cfg.Smtp), a.notifier, campaign.Config{
		Interval:     time.Duration(cfg.Queue.Interval) * time.Second,
		BatchSize:    cfg.Queue.BatchSize,
		SendDelayMax: time.Duration(cfg.Queue.SendDelayMax) * time.Second,
	})
}

// protocolStoreTarget picks the device store location. An empty DSN falls back
// to a sqlite file under the workdir.
func protocolStoreTarget(cfg *config.AppConfig) (driver, dsn string) {
	driver = cfg.Messaging.StoreDriver
	dsn = cfg.Messaging.StoreDSN
	if dsn == "" {
		driver = "sqlite3"
		dsn = "file:" + filepath.Join(cfg.System.Workdir, "protocol-store.db") + "?_foreign_keys=on"
	}
	return driver, dsn
}

func (a *Application) MigrateDB(track bool) (err error) {
	defer func() {
		if err1 := recover(); err1 != nil {
			if os.Getenv("GO_DEGUB_TRACE") != "" {
				debug.PrintStack()
			}
			err2, ok := err1.(error)
			if ok {
				err = err2
				zap.S().Error(err2.Error())
			}
		}
	}()
	if track {
		if err := a.gormDB.Debug().Migrator().AutoMigrate(domain.MasterTables...); err != nil {
			zap.S().Error(err)
		}
	} else {
		if err := a.gormDB.Migrator().AutoMigrate(domain.MasterTables...); err != nil {
			zap.S().Error(err)
		}
	}
	return nil
}

func (a *Application) DropAll() {
	_ = a.gormDB.Migrator().DropTable(domain.MasterTables...)
}

func (a *Application) InitDb() {
	_ = a.gormDB.Migrator().DropTable(domain.MasterTables...)
	err := a.gormDB.Migrator().AutoMigrate(domain.MasterTables...)
	if err != nil {
		zap.S().Error(err)
	}
}

// SessionManager returns the protocol session manager
func (a *Application) SessionManager() *session.Manager {
	return a.sessions
}

// Queue returns the campaign dispatch queue
func (a *Application) Queue() *campaign.Queue {
	return a.queue
}

// Router returns the tenant database router
func (a *Application) Router() *tenantdb.Router {
	return a.router
}

// Bus returns the in-process event bus for realtime subscribers
func (a *Application) Bus() EventBus.Bus {
	return a.bus
}

// Scheduler returns the cron scheduler
func (a *Application) Scheduler() *cron.Cron {
	return a.sched
}

// StartBackgroundJobs starts the dispatch queue and restores persisted sessions
func (a *Application) StartBackgroundJobs(ctx context.Context) {
	if err := a.queue.Start(); err != nil {
		zap.S().Errorf("campaign queue start failed: %v", err)
	}
	go a.sessions.RestoreAll(ctx)
}

// Release releases application resources
func (a *Application) Release() {
	if a.sched != nil {
		a.sched.Stop()
	}
	if a.queue != nil {
		a.queue.Stop()
	}
	if a.sessions != nil {
		a.sessions.Close()
	}
	if a.router != nil {
		a.router.Close()
	}
	_ = zap.L().Sync()
}
