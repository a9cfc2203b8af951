// Package server wires the image association services to their backends
// and runs the HTTP API and the upload event consumer until shutdown.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dmitrijs2005/motivearchive/internal/logging"
	"github.com/dmitrijs2005/motivearchive/internal/server/config"
	"github.com/dmitrijs2005/motivearchive/internal/server/events"
	"github.com/dmitrijs2005/motivearchive/internal/server/httpapi"
	"github.com/dmitrijs2005/motivearchive/internal/server/lock"
	"github.com/dmitrijs2005/motivearchive/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/motivearchive/internal/server/services"
	"github.com/dmitrijs2005/motivearchive/internal/server/storage"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const shutdownTimeout = 10 * time.Second

// Seams for tests.
var (
	connectMongo = func(ctx context.Context, uri string) (*mongo.Client, error) {
		client, err := mongo.Connect(options.Client().ApplyURI(uri))
		if err != nil {
			return nil, err
		}
		if err := client.Ping(ctx, nil); err != nil {
			_ = client.Disconnect(ctx)
			return nil, err
		}
		return client, nil
	}

	openSQL = sql.Open
)

type App struct {
	config      *config.Config
	logger      logging.Logger
	mongo       *mongo.Client
	repomanager repomanager.RepositoryManager
	journalDB   *sql.DB
	redis       *redis.Client
	reconcile   *services.ReconcileService
}

// NewApp connects to MongoDB, the journal database and Redis and builds the
// reconciliation service. Object storage is only opened by Run.
func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	logger := logging.NewJSONLogger(logging.ParseLevel(c.LogLevel))
	app := &App{config: c, logger: logger}

	client, err := connectMongo(ctx, c.MongoURI)
	if err != nil {
		return nil, fmt.Errorf("mongo connect error: %w", err)
	}
	app.mongo = client

	rm := repomanager.NewMongoRepositoryManager(client.Database(c.MongoDatabase))
	if err := rm.RunMigrations(ctx); err != nil {
		app.Close(ctx)
		return nil, fmt.Errorf("mongo index error: %w", err)
	}
	app.repomanager = rm

	jm, err := repomanager.NewSQLJournalManager(c.JournalDriver)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}
	if app.journalDB, err = app.openJournal(ctx, jm); err != nil {
		app.Close(ctx)
		return nil, fmt.Errorf("journal init error: %w", err)
	}

	app.reconcile = services.NewReconcileService(rm, app.journalDB, jm, app.newLocker(), c, logger)
	return app, nil
}

func (app *App) openJournal(ctx context.Context, jm *repomanager.SQLJournalManager) (*sql.DB, error) {
	if app.config.JournalDSN == "" {
		app.logger.Info(ctx, "journal disabled")
		return nil, nil
	}

	db, err := openSQL(app.config.JournalDriver, app.config.JournalDSN)
	if err != nil {
		return nil, err
	}
	if err := jm.RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (app *App) newLocker() lock.Locker {
	if app.config.RedisAddr == "" {
		return lock.Noop{}
	}
	app.redis = redis.NewClient(&redis.Options{Addr: app.config.RedisAddr})
	return lock.NewRedis(app.redis)
}

// Logger returns the application logger.
func (app *App) Logger() logging.Logger {
	return app.logger
}

// ReconcileService returns the reconciliation service.
func (app *App) ReconcileService() *services.ReconcileService {
	return app.reconcile
}

// Close releases every backend connection opened by NewApp.
func (app *App) Close(ctx context.Context) {
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Warn(ctx, "redis close error", "error", err)
		}
	}
	if app.journalDB != nil {
		if err := app.journalDB.Close(); err != nil {
			app.logger.Warn(ctx, "journal close error", "error", err)
		}
	}
	if app.mongo != nil {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := app.mongo.Disconnect(dctx); err != nil {
			app.logger.Warn(ctx, "mongo disconnect error", "error", err)
		}
	}
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) newImageService(ctx context.Context) (*services.ImageService, error) {
	store, err := storage.NewS3Store(ctx, storage.Options{
		AccessKey:    app.config.S3RootUser,
		SecretKey:    app.config.S3RootPassword,
		Bucket:       app.config.S3Bucket,
		Region:       app.config.S3Region,
		BaseEndpoint: app.config.S3BaseEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 init error: %w", err)
	}
	return services.NewImageService(app.repomanager, store, app.config, app.logger), nil
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc, images *services.ImageService) {
	s := httpapi.NewServer(images, app.reconcile, httpapi.Options{
		Address:       app.config.HTTPAddr,
		SecretKey:     app.config.SecretKey,
		MaxUploadSize: app.config.MaxUploadSize,
	}, app.logger)

	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) startConsumer(ctx context.Context, cancelFunc context.CancelFunc, images *services.ImageService) {
	c := events.NewConsumer(app.config.AMQPURL, app.config.AMQPQueue, events.NewHandler(images), app.logger)

	if err := c.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

// Run serves until a termination signal arrives or a component fails.
func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()
	defer app.Close(ctx)

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	images, err := app.newImageService(ctx)
	if err != nil {
		app.logger.Error(ctx, err.Error())
		return
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc, images)
	}()

	if app.config.AMQPURL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			app.startConsumer(ctx, cancelFunc, images)
		}()
	}

	wg.Wait()

	app.logger.Info(ctx, "App stopped")
}
