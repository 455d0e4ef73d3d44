package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fapiaoyun/redmatch/internal/config"
	"github.com/fapiaoyun/redmatch/internal/migrate"
	"github.com/fapiaoyun/redmatch/internal/obs"
	"github.com/fapiaoyun/redmatch/internal/store/pg"
	"github.com/fapiaoyun/redmatch/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	obs.InitLogging(cfg.LogLevel)

	if cfg.PostgresDSN == "" {
		logrus.Fatal("REDMATCH_PG_DSN is required")
	}

	cmd := "up"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	store, err := pg.Open(cfg.PostgresDSN)
	if err != nil {
		logrus.Fatalf("open store: %v", err)
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB(), migrations.FS)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	switch cmd {
	case "up":
		if err := mgr.Up(ctx); err != nil {
			logrus.Fatalf("migrate up: %v", err)
		}
		logrus.Info("migrations applied")
	case "down":
		if err := mgr.Down(ctx); err != nil {
			logrus.Fatalf("migrate down: %v", err)
		}
		logrus.Info("last migration rolled back")
	case "status":
		applied, err := mgr.Status(ctx)
		if err != nil {
			logrus.Fatalf("migrate status: %v", err)
		}
		for _, name := range applied {
			fmt.Println(name)
		}
	default:
		logrus.Fatalf("unknown command %q (want up, down, or status)", cmd)
	}
}
