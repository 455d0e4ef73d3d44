package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/fapiaoyun/redmatch/internal/config"
	"github.com/fapiaoyun/redmatch/internal/ids"
	"github.com/fapiaoyun/redmatch/internal/match"
	"github.com/fapiaoyun/redmatch/internal/obs"
	"github.com/fapiaoyun/redmatch/internal/store/pg"
)

// Seeds two blue lines under one key, runs a single-negative batch, and
// verifies the allocation arithmetic end to end against a live database.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.PostgresDSN == "" {
		log.Fatal("REDMATCH_PG_DSN is required")
	}
	obs.Init()

	store, err := pg.Open(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// A key space nobody else generates into.
	key := match.Key{TaxRate: 13, BuyerID: 990001, SellerID: 990001}
	seedBatch := ids.NewBatchID()
	lines := []match.BlueLine{
		{TicketID: uuid.NewString(), Key: key, OriginalAmount: 100_00, Remaining: 100_00, BatchID: seedBatch},
		{TicketID: uuid.NewString(), Key: key, OriginalAmount: 50_00, Remaining: 50_00, BatchID: seedBatch},
	}
	if err := store.InsertBlueLines(ctx, lines); err != nil {
		log.Fatalf("seed blue lines: %v", err)
	}

	engine := match.New(store)
	outcome, err := engine.Execute(ctx, []match.NegativeInvoice{
		{InvoiceID: 1, Key: key, Amount: 120_00},
	}, match.BatchOptions{
		CandidateOrder: match.OrderRemainingDesc,
	})
	if err != nil {
		log.Fatalf("execute: %v", err)
	}

	if outcome.SuccessCount != 1 {
		log.Fatalf("expected 1 matched negative, got %+v", outcome)
	}
	res := outcome.Results[0]
	if res.TotalAllocated != 120_00 || len(res.Allocations) != 2 {
		log.Fatalf("unexpected allocation plan: %+v", res)
	}
	if res.Allocations[0].AmountUsed != 100_00 || res.Allocations[1].AmountUsed != 20_00 {
		log.Fatalf("unexpected split: %+v", res.Allocations)
	}

	fmt.Printf("smoke test passed: batch=%s matched=%d amount=%d\n",
		outcome.BatchID, outcome.SuccessCount, outcome.MatchedAmount)
}
