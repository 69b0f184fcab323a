package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"

	"vaultexecutor/src/auth"
	"vaultexecutor/src/engine"
	"vaultexecutor/src/handler"
	"vaultexecutor/src/oracle"
	"vaultexecutor/src/repository"
)

// Dependencies collects everything the API routes need. All of it is
// constructed in the entrypoint and injected; nothing here is ambient.
type Dependencies struct {
	Engine    *engine.Engine
	Oracle    oracle.Client
	Vaults    *repository.VaultRepository
	Positions *repository.PositionRepository
	Events    *repository.ExecutionEventRepository
}

// NewRouter builds the chi router with all vault API routes.
func NewRouter(deps Dependencies) *chi.Mux {
	r := chi.NewRouter()

	r.Get("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.WithError(err).Error("/healthcheck write error")
		}
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAPIKey(auth.GetConfig().APIKey))

		r.Route("/vaults", func(r chi.Router) {
			r.Post("/", handler.DeployVaultHandler(deps.Vaults))
			r.Post("/{vaultID}/deposits", handler.DepositHandler(deps.Vaults, deps.Positions, deps.Oracle))
			r.Post("/{vaultID}/deactivate", handler.DeactivateVaultHandler(deps.Vaults))
		})

		r.Route("/positions/{positionID}", func(r chi.Router) {
			r.Get("/", handler.GetPositionHandler(deps.Positions))
			r.Get("/events", handler.ListEventsHandler(deps.Events))
			r.Put("/triggers", handler.SetTriggersHandler(deps.Positions))
			r.Post("/check", handler.CheckTriggersHandler(deps.Engine))
			r.Post("/execute", handler.ExecutePositionHandler(deps.Engine))
			r.Post("/emergency-exit", handler.EmergencyExitHandler(deps.Engine))
		})
	})

	return r
}

// StartServer serves the vault API until SIGINT/SIGTERM, then shuts down
// gracefully.
func StartServer(port string, deps Dependencies) {
	addr := ":" + port
	srv := &http.Server{
		Addr:    addr,
		Handler: NewRouter(deps),
	}

	go func() {
		logger.Infof("Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server crashed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down gracefully...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Shutdown error")
	}
}
