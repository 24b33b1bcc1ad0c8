// Package runtime wires the bottle service components and manages the HTTP
// server lifecycle.
package runtime

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/bottle_service/internal/app/authz"
	"github.com/R3E-Network/bottle_service/internal/app/coordinator"
	"github.com/R3E-Network/bottle_service/internal/app/httpapi"
	"github.com/R3E-Network/bottle_service/internal/app/nftregistry"
	"github.com/R3E-Network/bottle_service/internal/app/services/cellar"
	"github.com/R3E-Network/bottle_service/internal/app/services/tokenbank"
	"github.com/R3E-Network/bottle_service/internal/app/storage"
	"github.com/R3E-Network/bottle_service/internal/app/storage/memory"
	"github.com/R3E-Network/bottle_service/internal/app/storage/postgres"
	"github.com/R3E-Network/bottle_service/internal/config"
	"github.com/R3E-Network/bottle_service/internal/middleware"
	"github.com/R3E-Network/bottle_service/pkg/logger"
)

// Application wires core dependencies and manages the HTTP server lifecycle.
type Application struct {
	cfg    config.Config
	log    *logger.Logger
	server *http.Server
	engine *cellar.Service
	db     *sql.DB
}

// NewApplication constructs an application from the config file at path.
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log := logger.New(cfg.Logging)

	store, db, err := buildStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("configure store: %w", err)
	}

	roles := authz.New()
	for _, wallet := range cfg.Auth.Admins {
		roles.Grant(authz.RoleAdmin, wallet)
	}
	for _, wallet := range cfg.Auth.Oracles {
		roles.Grant(authz.RoleOracle, wallet)
	}

	bank := tokenbank.New(store, log.WithField("component", "tokenbank"))
	nft := nftregistry.New()

	var coord cellar.Coordinator
	if cfg.Oracle.URL != "" {
		coord = coordinator.NewRemote(cfg.Oracle.URL, cfg.Oracle.RequestTimeout, log.WithField("component", "coordinator"))
	} else {
		coord = coordinator.Local{}
	}

	engine := cellar.New(store, bank, nft, coord, roles, log.WithField("component", "cellar"))

	router := mux.NewRouter()
	auth := middleware.NewAuthMiddleware([]byte(cfg.Auth.JWTSecret), log.WithField("component", "auth"), []string{"/healthz", "/metrics"})
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.LoggingMiddleware(log.WithField("component", "http")))
	router.Use(auth.Handler)
	httpapi.New(engine, log.WithField("component", "httpapi")).Register(router)

	server := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Application{
		cfg:    cfg,
		log:    log,
		server: server,
		engine: engine,
		db:     db,
	}, nil
}

// Run starts the HTTP server and blocks until the context is cancelled or the
// server fails.
func (a *Application) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		a.log.Infof("HTTP server listening on %s", a.cfg.Server.Address())
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown drains the HTTP server and closes the database.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("error closing database connection")
		}
	}
	return nil
}

func buildStore(cfg config.Config) (storage.Store, *sql.DB, error) {
	switch cfg.Database.Driver {
	case "postgres":
		db, err := sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		store := postgres.New(db)
		if err := store.Ensure(context.Background()); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		return store, db, nil
	default:
		return memory.New(), nil, nil
	}
}
