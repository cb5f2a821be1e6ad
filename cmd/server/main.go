package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/moldline/mesmon/pkg/config"
	"github.com/moldline/mesmon/pkg/device"
	"github.com/moldline/mesmon/pkg/jobstatus"
	"github.com/moldline/mesmon/pkg/logging"
	"github.com/moldline/mesmon/pkg/matrix"
	"github.com/moldline/mesmon/pkg/mes"
	"github.com/moldline/mesmon/pkg/runner"
	"github.com/moldline/mesmon/pkg/server"
	"github.com/moldline/mesmon/pkg/snapshot"
	"github.com/moldline/mesmon/pkg/storage"
	"github.com/moldline/mesmon/pkg/storage/database"
)

func main() {
	configPath := flag.String("config", "", "optional config file (yaml)")
	workers := flag.Int("workers", 2, "job worker pool size")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.New("info").Fatalf("load configuration: %v", err)
	}
	log := logging.New(cfg.LogLevel)
	log.Infof("starting mesmon server on port %s", cfg.Port)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data directory %s: %v", cfg.DataDir, err)
	}

	deviceMap, err := cfg.DeviceMap()
	if err != nil {
		log.Fatalf("resolve device map: %v", err)
	}
	devices, err := device.NewRegistry(deviceMap, cfg.TonnageMap())
	if err != nil {
		log.Fatalf("build device registry: %v", err)
	}
	log.Infof("device registry ready with %d machines", len(devices.Codes()))

	if *configPath != "" {
		config.Watch(*configPath, func(fresh *config.Config) error {
			logging.SetLevel(fresh.LogLevel)
			freshMap, err := fresh.DeviceMap()
			if err != nil {
				return err
			}
			if err := devices.Swap(freshMap, fresh.TonnageMap()); err != nil {
				log.Warnf("config reload: device map rejected: %v", err)
				return err
			}
			log.Infof("configuration reloaded: %d machines, log level %s", len(freshMap), fresh.LogLevel)
			return nil
		})
	}

	store, err := openStore(cfg, log)
	if err != nil {
		log.Fatalf("open snapshot store: %v", err)
	}
	defer store.Close()
	log.Infof("snapshot store ready (driver=%s)", cfg.Database.Driver)

	jobs, err := jobstatus.NewBadgerStore(jobstatus.BadgerConfig{
		Path: filepath.Join(cfg.DataDir, "jobs"),
		TTL:  config.JobStatusTTL,
	})
	if err != nil {
		log.Fatalf("open job status store: %v", err)
	}
	defer jobs.Close()

	broker := mes.NewTokenBroker(cfg.MES, log)
	client := mes.NewClient(cfg.MES, broker, log)
	classifier := &mes.Classifier{
		ProdParamID:    cfg.MES.ParamIDProd,
		TempParamID:    cfg.MES.ParamIDTemp,
		PowerParamID:   cfg.MES.ParamIDPower,
		PowerParamCode: cfg.MES.ParamCodePower,
	}

	writer := snapshot.NewWriter(store, client, devices, classifier, log)
	compactor := snapshot.NewCompactor(store, devices, cfg.RetentionHours, log)

	hub := server.NewProgressHub(log)
	jobRunner := runner.New(writer, compactor, jobs, hub, log)
	builder := matrix.NewBuilder(store, devices, cfg.DisplayLocation(), log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		jobRunner.Run(ctx, *workers)
	}()
	log.Infof("snapshot scheduler started (every %v, %d workers)", config.SnapshotInterval, *workers)

	router := mux.NewRouter()
	handler := server.NewHandler(jobRunner, jobs, builder, store, log)
	server.SetupRoutes(router, handler, hub)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
	}

	go func() {
		log.Infof("http server listening on :%s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Infof("shutdown signal received")

	// Cancel before waiting, or the worker goroutines never exit.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnf("http server shutdown: %v", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Infof("background tasks stopped cleanly")
	case <-time.After(5 * time.Second):
		log.Warnf("some background tasks did not stop in time")
	}
	log.Infof("mesmon server exited")
}

// openStore picks the snapshot store backend from configuration.
func openStore(cfg *config.Config, log logging.Logger) (storage.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return database.New(database.NewPostgreSQLConnector(log))
	default:
		return database.New(database.NewSQLiteConnector(cfg.Database.Path))
	}
}
