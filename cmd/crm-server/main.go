package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/PhucNguyen204/chatcrm/internal/config"
	"github.com/PhucNguyen204/chatcrm/internal/logging"
	"github.com/PhucNguyen204/chatcrm/internal/metrics"
	srv "github.com/PhucNguyen204/chatcrm/internal/server"
	"github.com/PhucNguyen204/chatcrm/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (overrides CRM_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath, os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("crm server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	db.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DB.PingTimeout)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("ping db: %w", err)
	}

	st := store.New(db)
	if cfg.RunMigrations {
		dir, err := store.FindMigrationsDir(cfg.MigrationsPath, "./migrations", "/srv/migrations")
		if err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
		n, err := st.RunMigrations(ctx, dir)
		if err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
		logger.Info("migrations applied", zap.String("dir", dir), zap.Int("files", n))
	}

	server := srv.NewAppServer(st, nil, logger, metrics.New())
	automationsPath := cfg.AutomationsPath
	if automationsPath == "" {
		if fi, err := os.Stat("./automations"); err == nil && fi.IsDir() {
			automationsPath = "./automations"
		}
	}
	if automationsPath != "" {
		if _, err := server.LoadAutomationsFromDir(automationsPath); err != nil {
			logger.Warn("failed to load automations", zap.String("dir", automationsPath), zap.Error(err))
		}
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("CRM server listening", zap.String("addr", cfg.Addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
