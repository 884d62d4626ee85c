package appbootstrap

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meldhub/api"
	"meldhub/config"
	"meldhub/core/store"
	"meldhub/core/utils"
)

// Run wires the whole application and blocks until shutdown. Workers
// start after the listener is up and stop before it drains, so no task
// outlives the HTTP surface that observes it.
func Run(cfg *config.AppConfig, logger *utils.Logger) error {
	db, err := store.NewDB(cfg.DBDriver, cfg.DBURL)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	if err := store.ApplyMigrations(ctx, db, logger); err != nil {
		return err
	}

	composition, err := composeRuntime(cfg, db, logger)
	if err != nil {
		return err
	}
	server, err := api.NewServer(cfg, composition.serverDeps, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	for _, worker := range composition.workers {
		worker.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		if logger != nil {
			logger.Printf("listening on %s", cfg.ListenAddr)
		}
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		if logger != nil {
			logger.Printf("received %s, shutting down", sig)
		}
	}

	for i := len(composition.workers) - 1; i >= 0; i-- {
		composition.workers[i].Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
