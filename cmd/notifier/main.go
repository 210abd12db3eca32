package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/projectpulse/notifier/internal/auth"
	"github.com/projectpulse/notifier/internal/gateway"
	"github.com/projectpulse/notifier/internal/server"
	"github.com/projectpulse/notifier/internal/watcher"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

type App struct {
	logger   *zap.Logger
	settings Settings

	registry      *gateway.InMemoryRegistry
	monitor       *gateway.LivenessMonitor
	changeWatcher *watcher.ChangeWatcher
	mongoClient   *mongo.Client

	websocketServer *server.WebSocketServer
	restServer      *server.RESTServer
}

func NewApp(logger *zap.Logger, settings Settings, mongoClient *mongo.Client) *App {
	websocketUpgrader := &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Dashboards are served from a different origin than the gateway.
		CheckOrigin:       func(r *http.Request) bool { return true },
		EnableCompression: true,
	}

	authenticator := auth.NewAuthenticator(settings.JWTSecret, settings.APIKeys)
	projectIdValidator := server.NewProjectIdValidator()

	registry := gateway.NewInMemoryRegistry(logger)
	broadcaster := gateway.NewBroadcaster(logger, registry)
	monitor := gateway.NewLivenessMonitor(
		logger,
		registry,
		time.Duration(settings.HeartbeatIntervalSeconds)*time.Second,
	)

	var changeWatcher *watcher.ChangeWatcher
	if mongoClient != nil {
		database := mongoClient.Database(settings.MongoDatabase)
		changeWatcher = watcher.NewChangeWatcher(logger, database, broadcaster)
	}

	websocketServer := server.NewWebSocketServer(
		logger,
		websocketUpgrader,
		registry,
		authenticator,
		projectIdValidator,
		settings.SendBufferSize,
	)

	var feedHealth server.FeedHealth
	if changeWatcher != nil {
		feedHealth = changeWatcher
	}

	restServer := server.NewRESTServer(
		logger,
		broadcaster,
		registry,
		authenticator,
		projectIdValidator,
		feedHealth,
	)

	return &App{
		logger:          logger,
		settings:        settings,
		registry:        registry,
		monitor:         monitor,
		changeWatcher:   changeWatcher,
		mongoClient:     mongoClient,
		websocketServer: websocketServer,
		restServer:      restServer,
	}
}

func (a *App) run(ctx context.Context) error {
	notifyCtx, notifyCtxCancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer notifyCtxCancel()

	runCtx, runCtxCancel := context.WithCancel(ctx)
	defer runCtxCancel()

	go a.monitor.Run(runCtx)

	if a.changeWatcher != nil {
		go a.changeWatcher.Run(runCtx)
	} else {
		a.logger.Warn("no mongodb uri configured, change streams disabled")
	}

	address := fmt.Sprintf("0.0.0.0:%d", a.settings.Port)

	router := mux.NewRouter().
		PathPrefix(a.settings.BasePath).
		Subrouter()

	a.websocketServer.Register(router)
	a.restServer.Register(router)

	httpServer := &http.Server{
		Addr:    address,
		Handler: router,
	}

	a.logger.Info("starting http server",
		zap.String("address", address))

	go func() {
		err := httpServer.ListenAndServe()

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Fatal("failed to start http server",
				zap.Error(err))
		}
	}()

	<-notifyCtx.Done()

	a.logger.Info("stopping http server")

	shutdownCtx, shutdownCtxCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCtxCancel()

	err := httpServer.Shutdown(shutdownCtx)
	if err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}

	// Teardown order matters: the change stream handles are released
	// before client transports so no event is delivered to a
	// connection already being torn down.
	runCtxCancel()
	a.registry.Clear()

	if a.mongoClient != nil {
		if err := a.mongoClient.Disconnect(shutdownCtx); err != nil {
			return fmt.Errorf("mongodb disconnect failed: %w", err)
		}
	}

	a.logger.Info("http server stopped")

	return nil
}

func main() {
	ctx := context.Background()

	var settings Settings
	_, err := env.UnmarshalFromEnviron(&settings)
	if err != nil {
		panic(fmt.Sprintf("failed to parse settings from environment: %v", err))
	}

	logger, err := buildZapLogger(settings.LogEncoding)
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	defer logger.Sync()

	var mongoClient *mongo.Client
	if settings.MongoURI != "" {
		mongoClient, err = mongo.Connect(options.Client().ApplyURI(settings.MongoURI))
		if err != nil {
			logger.Fatal("failed to connect to mongodb", zap.Error(err))
		}
	}

	app := NewApp(logger, settings, mongoClient)

	err = app.run(ctx)
	if err != nil {
		logger.Fatal("failed to run", zap.Error(err))
	}
}
