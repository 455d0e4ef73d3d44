package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fapiaoyun/redmatch/internal/config"
	"github.com/fapiaoyun/redmatch/internal/httpapi"
	"github.com/fapiaoyun/redmatch/internal/match"
	"github.com/fapiaoyun/redmatch/internal/obs"
	"github.com/fapiaoyun/redmatch/internal/store/pg"
	"github.com/fapiaoyun/redmatch/internal/stream"
)

var version = "0.3.1"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}

	obs.InitLogging(cfg.LogLevel)
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("REDMATCH_COMMIT"))

	if cfg.PostgresDSN == "" {
		logrus.Fatal("REDMATCH_PG_DSN is required")
	}
	store, err := pg.Open(cfg.PostgresDSN)
	if err != nil {
		logrus.Fatalf("open store: %v", err)
	}
	defer store.Close()

	engine := match.New(store)
	events := stream.New()

	api := httpapi.New(httpapi.ReadyProbe{DB: store.DB()}, version, engine, store, events, cfg.BatchOptions())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logrus.WithFields(logrus.Fields{"version": version, "addr": srv.Addr}).Info("starting redmatch-api")

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logrus.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	logrus.Info("stopped")
}
