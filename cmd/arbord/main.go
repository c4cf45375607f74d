// Package main runs arbord, the versioned node-tree service: the node
// model with aggregate propagation, the per-node mutation queue, the
// script sandbox, the contribution log, and the consistency inspector.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/arborlabs/arbor/internal/app/metrics"
	"github.com/arborlabs/arbor/internal/config"
	"github.com/arborlabs/arbor/internal/platform/migrations"
	"github.com/arborlabs/arbor/packages/com.arbor.services.audit"
	"github.com/arborlabs/arbor/packages/com.arbor.services.inspector"
	"github.com/arborlabs/arbor/packages/com.arbor.services.scripts"
	"github.com/arborlabs/arbor/packages/com.arbor.services.tree"
	"github.com/arborlabs/arbor/pkg/logger"
	"github.com/arborlabs/arbor/system/framework"
)

func main() {
	configPath := flag.String("config", "", "Path to arbord.yaml (defaults to config/arbord.yaml)")
	flag.Parse()

	var cfg *config.Config
	if *configPath != "" {
		loaded, err := config.LoadFromPath(*configPath)
		if err != nil {
			logger.NewDefault("arbord").WithError(err).Fatal("failed to load configuration")
		}
		cfg = loaded
	} else {
		cfg = config.LoadOrDefault()
	}
	if v := os.Getenv("ARBOR_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}

	logCfg := logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}
	log := logger.New("arbord", logCfg)

	var (
		treeStore   tree.Store
		auditStore  audit.Store
		scriptStore scripts.Store
	)
	if cfg.Database.URL != "" {
		db, err := sqlx.Connect("postgres", cfg.Database.URL)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to database")
		}
		defer db.Close()
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)

		if err := migrations.Apply(db.DB); err != nil {
			log.WithError(err).Fatal("failed to apply migrations")
		}

		treeStore = tree.NewPostgresStore(db)
		auditStore = audit.NewPostgresStore(db)
		scriptStore = scripts.NewPostgresStore(db)
		log.Info("using postgres stores")
	} else {
		treeStore = tree.NewMemoryStore()
		auditStore = audit.NewMemoryStore()
		scriptStore = scripts.NewMemoryStore()
		log.Warn("no database configured, using in-memory stores")
	}

	auditSvc := audit.New(auditStore, logger.New("audit", logCfg))
	queue := tree.NewQueue(logger.New("tree-queue", logCfg))
	treeSvc := tree.New(treeStore, auditSvc, queue, logger.New("tree", logCfg), tree.Config{
		ReeffectCeiling: cfg.Tree.ReeffectCeilingHours,
		MaxScriptSize:   cfg.Tree.MaxScriptSize,
	})
	gateway := scripts.NewHTTPGateway(nil, cfg.Scripts.BlockedHosts)
	scriptSvc := scripts.New(scriptStore, treeSvc, gateway, auditSvc,
		logger.New("scripts", logCfg), cfg.Scripts.Timeout())
	inspectorSvc := inspector.New(treeSvc, logger.New("inspector", logCfg), cfg.Inspector.Schedule)

	services := []framework.ServiceModule{auditSvc, treeSvc, scriptSvc}
	if cfg.Inspector.Enabled {
		services = append(services, inspectorSvc)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, svc := range services {
		if err := svc.Start(ctx); err != nil {
			log.WithError(err).WithField("service", svc.Name()).Fatal("failed to start service")
		}
		log.WithField("service", svc.Name()).Info("service started")
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		for _, svc := range services {
			if err := svc.Ready(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	router.Get("/services", func(w http.ResponseWriter, r *http.Request) {
		descriptors := make([]framework.Descriptor, 0, len(services))
		for _, svc := range services {
			descriptors = append(descriptors, svc.Descriptor())
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(descriptors)
	})
	router.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("ops endpoint listening")
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.WithError(err).Fatal("server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server shutdown error")
	}
	for i := len(services) - 1; i >= 0; i-- {
		if err := services[i].Stop(shutdownCtx); err != nil {
			log.WithError(err).WithField("service", services[i].Name()).Error("service stop error")
		}
	}
	log.Info("stopped")
}
