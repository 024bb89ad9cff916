package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bank-sync/internal/api"
	"github.com/bank-sync/internal/cache"
	"github.com/bank-sync/internal/coordinator"
	"github.com/bank-sync/internal/credentials"
	"github.com/bank-sync/internal/database"
	"github.com/bank-sync/internal/messaging"
	"github.com/bank-sync/internal/provider"
	"github.com/bank-sync/internal/websocket"
	"github.com/bank-sync/pkg/config"
	"github.com/bank-sync/pkg/models"
	"github.com/sirupsen/logrus"
)

// App represents the main application
type App struct {
	cfg    *config.Config
	logger *logrus.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Core components
	mysqlDB    *database.MySQLClient
	influxDB   *database.InfluxClient
	redisCache *cache.RedisClient
	natsClient *messaging.NATSClient

	// Services
	providerClient *provider.Client
	registry       *coordinator.Registry
	wsManager      *websocket.Manager
	apiServer      *api.Server
}

// New creates a new application instance
func New(cfg *config.Config, logger *logrus.Logger) *App {
	ctx, cancel := context.WithCancel(context.Background())

	return &App{
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		registry: coordinator.NewRegistry(),
	}
}

// Initialize initializes all application components
func (a *App) Initialize() error {
	if err := a.initializeDatabase(); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := a.initializeCache(); err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}

	if err := a.initializeMessaging(); err != nil {
		return fmt.Errorf("failed to initialize messaging: %w", err)
	}

	if err := a.initializeCoordinators(); err != nil {
		return fmt.Errorf("failed to initialize coordinators: %w", err)
	}

	a.initializeWebSocket()
	a.initializeAPIServer()

	return nil
}

// Start starts the application
func (a *App) Start() error {
	for _, c := range a.registry.All() {
		if err := c.Start(a.ctx); err != nil {
			return fmt.Errorf("failed to start coordinator: %w", err)
		}
	}

	if a.wsManager != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.wsManager.Run(a.ctx)
		}()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.apiServer.Start(); err != nil {
			if err != http.ErrServerClosed {
				a.logger.WithError(err).Error("API server error")
			}
		}
	}()

	return nil
}

// Stop gracefully stops the application
func (a *App) Stop() error {
	a.logger.Info("Stopping application...")

	a.cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("All goroutines stopped")
	case <-time.After(3 * time.Second):
		a.logger.Warn("Timeout waiting for goroutines to finish")
	}

	// Stop coordinators so no cycle is mid-flight while connections close
	for _, c := range a.registry.All() {
		if err := c.Stop(); err != nil {
			a.logger.WithError(err).Error("Error stopping coordinator")
		}
	}

	if a.apiServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := a.apiServer.Stop(ctx); err != nil {
			a.logger.WithError(err).Error("Error stopping API server")
		}
		cancel()
	}

	if err := a.closeConnections(); err != nil {
		a.logger.WithError(err).Error("Error closing connections")
	}

	a.logger.Info("Application stopped")
	return nil
}

// Registry returns the coordinator registry
func (a *App) Registry() *coordinator.Registry {
	return a.registry
}

// Private initialization methods

func (a *App) initializeDatabase() error {
	mysqlClient, err := database.NewMySQLClient(&a.cfg.MySQL, a.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to MySQL: %w", err)
	}
	a.mysqlDB = mysqlClient

	if a.cfg.Sync.HistoryEnabled {
		a.influxDB = database.NewInfluxClient(&a.cfg.InfluxDB, a.logger)

		if err := a.influxDB.Health(a.ctx); err != nil {
			return fmt.Errorf("failed to connect to InfluxDB: %w", err)
		}
	}

	return nil
}

func (a *App) initializeCache() error {
	redisClient, err := cache.NewRedisClient(&a.cfg.Redis, a.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	a.redisCache = redisClient

	return nil
}

func (a *App) initializeMessaging() error {
	natsClient, err := messaging.NewNATSClient(&a.cfg.NATS, a.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	a.natsClient = natsClient

	return nil
}

// initializeCoordinators loads the linked connections and builds one
// coordinator per connection. Each gets its own credential store whose
// persistence callback writes renewed tokens back to MySQL.
func (a *App) initializeCoordinators() error {
	a.providerClient = provider.NewClient(&a.cfg.Provider, a.logger)

	conns, err := a.mysqlDB.GetConnections(a.ctx)
	if err != nil {
		return fmt.Errorf("failed to load connections: %w", err)
	}

	fanout := &snapshotFanout{
		mysql:  a.mysqlDB,
		influx: a.influxDB,
		redis:  a.redisCache,
		nats:   a.natsClient,
		logger: a.logger.WithField("component", "fanout"),
	}

	for _, conn := range conns {
		conn := conn
		store := credentials.NewStore(conn.Credentials, func(ctx context.Context, set models.CredentialSet) error {
			return a.mysqlDB.SaveCredentials(ctx, conn.ID, set)
		})

		c := coordinator.New(
			conn,
			a.providerClient,
			store,
			coordinator.SystemClock,
			fanout,
			a.cfg.Sync.BaseInterval,
			a.logger,
		)
		a.registry.Add(c)
	}

	a.logger.WithField("connections", len(conns)).Info("Coordinators initialized")
	return nil
}

func (a *App) initializeWebSocket() {
	if !a.cfg.WebSocket.Enabled {
		return
	}
	a.wsManager = websocket.NewManager(&a.cfg.WebSocket, a.natsClient, a.logger)
}

func (a *App) initializeAPIServer() {
	a.apiServer = api.NewServer(
		a.cfg,
		a.logger,
		a.registry,
		a.mysqlDB,
		a.influxDB,
		a.redisCache,
		a.natsClient,
		a.wsManager,
	)
}

func (a *App) closeConnections() error {
	var errs []error

	if a.mysqlDB != nil {
		if err := a.mysqlDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close MySQL: %w", err))
		}
	}

	if a.influxDB != nil {
		a.influxDB.Close()
	}

	if a.redisCache != nil {
		if err := a.redisCache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close Redis: %w", err))
		}
	}

	if a.natsClient != nil {
		if err := a.natsClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close NATS: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing connections: %v", errs)
	}

	return nil
}
