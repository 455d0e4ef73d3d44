package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fapiaoyun/redmatch/internal/config"
	"github.com/fapiaoyun/redmatch/internal/datagen"
	"github.com/fapiaoyun/redmatch/internal/ids"
	"github.com/fapiaoyun/redmatch/internal/obs"
	"github.com/fapiaoyun/redmatch/internal/store/pg"
)

func main() {
	var (
		batchID    = flag.String("batch-id", "", "generation batch id (generated if empty; reuse to resume)")
		totalLines = flag.Int("total-lines", 100_000, "number of blue lines to generate")
		chunkSize  = flag.Int("chunk-size", 1000, "rows per insert transaction")
		buyers     = flag.Int("buyers", 50, "buyer id space")
		sellers    = flag.Int("sellers", 20, "seller id space")
		seed       = flag.Int64("seed", time.Now().UnixNano(), "rng seed")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	obs.InitLogging(cfg.LogLevel)

	if cfg.PostgresDSN == "" {
		logrus.Fatal("REDMATCH_PG_DSN is required")
	}
	store, err := pg.Open(cfg.PostgresDSN)
	if err != nil {
		logrus.Fatalf("open store: %v", err)
	}
	defer store.Close()

	id := *batchID
	if id == "" {
		id = ids.NewBatchID()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	gen := datagen.New(store, *seed)
	start := time.Now()
	inserted, err := gen.GenerateBlueLines(ctx, datagen.Options{
		BatchID:     id,
		TotalLines:  *totalLines,
		ChunkSize:   *chunkSize,
		BuyerCount:  int32(*buyers),
		SellerCount: int32(*sellers),
	})
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"batch_id": id, "inserted": inserted,
		}).Fatal("generation stopped; rerun with the same -batch-id to resume")
	}
	logrus.WithFields(logrus.Fields{
		"batch_id": id,
		"inserted": inserted,
		"duration": time.Since(start).String(),
	}).Info("blue line generation complete")
}
