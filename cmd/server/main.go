package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"erp-sync-service/internal/api"
	"erp-sync-service/internal/config"
	"erp-sync-service/internal/database"
	"erp-sync-service/internal/erp"
	"erp-sync-service/internal/logger"
	"erp-sync-service/internal/mapper"
	"erp-sync-service/internal/rules"
	"erp-sync-service/internal/store"
	"erp-sync-service/internal/sync"
)

func main() {
	// Load Config
	loader := config.NewLoader(os.Getenv("ERPSYNC_CONFIG"))
	cfg, err := loader.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Init Logger
	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting ERP Sync Service")

	ctx := context.Background()

	// Init State Store
	stateStore, err := store.New(ctx, cfg.StateStorage)
	if err != nil {
		logger.Log.Fatal("Failed to init state store", zap.Error(err))
	}
	defer stateStore.Close()

	// Init Customer Store
	db, err := database.NewDatabase(ctx, cfg.Databases.Internal)
	if err != nil {
		logger.Log.Fatal("Failed to connect to customer database", zap.Error(err))
	}
	defer db.Close()

	customers := store.NewMySQLCustomerStore(db)
	if err := customers.Migrate(ctx); err != nil {
		logger.Log.Fatal("Failed to migrate customer table", zap.Error(err))
	}

	// Init ERP
	client, err := erp.NewClient(cfg.ERP.ToERP())
	if err != nil {
		logger.Log.Fatal("Failed to init ERP client", zap.Error(err))
	}
	gateway := sync.NewERPGateway(client, mapper.CustomerColumns, cfg.ERP.Endpoints.CustomerList, cfg.ERP.Endpoints.CustomerSave)

	// Init Sync Service
	engine, err := rules.Compile(cfg.Rules)
	if err != nil {
		logger.Log.Fatal("Failed to compile sync rules", zap.Error(err))
	}
	service := sync.NewService(gateway, customers, stateStore, engine, mapper.CustomerColumns, options(cfg))
	scheduler := sync.NewScheduler(cfg.Scheduler, service)

	loader.Watch(func(next *config.Config) {
		engine, err := rules.Compile(next.Rules)
		if err != nil {
			logger.Log.Warn("Keeping previous sync rules", zap.Error(err))
		} else {
			service.SetRules(engine)
		}
		service.SetOptions(options(next))
		scheduler.Reschedule(next.Scheduler)
		client.UpdateCredentials(next.ERP.Username, next.ERP.Password)
		if err := logger.SetLevel(next.Logging.Level); err != nil {
			logger.Log.Warn("Keeping previous log level", zap.Error(err))
		}
		if keys := config.RestartRequired(cfg, next); len(keys) > 0 {
			logger.Log.Warn("Changed settings require a restart to take effect", zap.Strings("keys", keys))
		}
	})

	// Init API
	handler := api.NewHandler(scheduler, service, stateStore, cfg.Server.AuthToken)
	router := handler.Routes()

	// Start Server
	serverAddr := cfg.Server.Addr()
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	scheduler.Start()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Warn("HTTP server shutdown", zap.Error(err))
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Log.Warn("Sync passes still running at exit", zap.Error(err))
	}
	client.Logout(context.Background())
}

func options(cfg *config.Config) sync.Options {
	return sync.Options{
		Deletes:     cfg.Deletes,
		PushOverlap: cfg.Scheduler.PushOverlap,
	}
}
