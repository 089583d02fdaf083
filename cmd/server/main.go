// Command server is the sandbox backend's entrypoint: it wires config,
// logging, the container driver, tree store, materializer, session
// manager, PTY bridge, FS intake, and notification bus into one HTTP
// server, then serves it with graceful shutdown — the teacher's main.go
// pattern (signal.Notify + http.Server.Shutdown) generalized to the full
// component set.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/canyouhack-org/sandboxd/internal/api"
	"github.com/canyouhack-org/sandboxd/internal/config"
	"github.com/canyouhack-org/sandboxd/internal/containerdrv"
	"github.com/canyouhack-org/sandboxd/internal/fsintake"
	"github.com/canyouhack-org/sandboxd/internal/logging"
	"github.com/canyouhack-org/sandboxd/internal/materializer"
	"github.com/canyouhack-org/sandboxd/internal/notify"
	"github.com/canyouhack-org/sandboxd/internal/ptybridge"
	"github.com/canyouhack-org/sandboxd/internal/session"
	"github.com/canyouhack-org/sandboxd/internal/treestore"
)

func main() {
	cfg := config.Load()
	logging.Init(cfg.LogPretty)
	log := logging.For("main")

	driver, err := containerdrv.New(cfg.ContainerImage, cfg.IDEAPIBase, logging.For("containerdrv"))
	if err != nil {
		log.Fatal().Err(err).Msg("initializing container driver")
	}

	store, err := treestore.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("opening tree store")
	}
	defer store.Close()

	mat := materializer.New(driver, store, logging.For("materializer"))
	sess := session.New(driver, mat, logging.For("session"))
	bus := notify.New(logging.For("notify"))
	intake := fsintake.New(store, bus, logging.For("fsintake"))
	bridge := ptybridge.New(driver, sess, logging.For("ptybridge"))

	srv := api.New(driver, store, mat, sess, bridge, intake, bus, logging.For("api"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sess.RunReaper(ctx, cfg.ReapInterval)

	httpSrv := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
