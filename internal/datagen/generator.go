package datagen

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fapiaoyun/redmatch/internal/match"
)

// Sink is where generated rows land. The Postgres store implements it.
type Sink interface {
	InsertBlueLines(ctx context.Context, lines []match.BlueLine) error
	EnsureGenerationBatch(ctx context.Context, batchID string, total int64) (match.BatchMetadata, error)
	UpdateInsertedLines(ctx context.Context, batchID string, inserted int64) error
	FinishBatch(ctx context.Context, batchID string, status match.BatchStatus, errMsg string) error
}

// Options bounds the generated key space and amounts.
type Options struct {
	BatchID     string
	TotalLines  int
	ChunkSize   int
	TaxRates    []int16
	BuyerCount  int32
	SellerCount int32
	MinAmount   int64 // cents
	MaxAmount   int64 // cents
}

func (o *Options) normalize() error {
	if o.BatchID == "" {
		return fmt.Errorf("batch id is required")
	}
	if o.TotalLines <= 0 {
		return fmt.Errorf("total lines must be > 0")
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 1000
	}
	if len(o.TaxRates) == 0 {
		o.TaxRates = []int16{6, 9, 13}
	}
	if o.BuyerCount <= 0 {
		o.BuyerCount = 50
	}
	if o.SellerCount <= 0 {
		o.SellerCount = 20
	}
	if o.MinAmount <= 0 {
		o.MinAmount = 10_00
	}
	if o.MaxAmount <= o.MinAmount {
		o.MaxAmount = 5_000_00
	}
	return nil
}

// Generator produces deterministic-looking test populations of blue lines
// and negative-invoice scenarios.
type Generator struct {
	sink  Sink
	faker *gofakeit.Faker
	rnd   *rand.Rand
}

// New creates a generator; the seed makes keys, amounts and product names
// reproducible. Ticket ids are random UUIDs and differ between runs.
func New(sink Sink, seed int64) *Generator {
	return &Generator{
		sink:  sink,
		faker: gofakeit.New(seed),
		rnd:   rand.New(rand.NewSource(seed)),
	}
}

// GenerateBlueLines inserts opts.TotalLines rows in chunks, tracking
// progress in batch_metadata so an interrupted run resumes where it left off.
func (g *Generator) GenerateBlueLines(ctx context.Context, opts Options) (int64, error) {
	if err := opts.normalize(); err != nil {
		return 0, err
	}
	md, err := g.sink.EnsureGenerationBatch(ctx, opts.BatchID, int64(opts.TotalLines))
	if err != nil {
		return 0, err
	}
	inserted := md.InsertedLines
	if md.Status == match.BatchCompleted && inserted >= int64(opts.TotalLines) {
		logrus.WithField("batch_id", opts.BatchID).Info("generation batch already complete")
		return inserted, nil
	}
	if inserted > 0 {
		logrus.WithFields(logrus.Fields{"batch_id": opts.BatchID, "inserted": inserted}).
			Info("resuming blue line generation")
	}

	for inserted < int64(opts.TotalLines) {
		if err := ctx.Err(); err != nil {
			return inserted, err
		}
		n := opts.ChunkSize
		if remaining := int(int64(opts.TotalLines) - inserted); remaining < n {
			n = remaining
		}
		chunk := make([]match.BlueLine, 0, n)
		for i := 0; i < n; i++ {
			chunk = append(chunk, g.blueLine(opts))
		}
		if err := g.sink.InsertBlueLines(ctx, chunk); err != nil {
			_ = g.sink.FinishBatch(ctx, opts.BatchID, match.BatchFailed, err.Error())
			return inserted, err
		}
		inserted += int64(n)
		if err := g.sink.UpdateInsertedLines(ctx, opts.BatchID, inserted); err != nil {
			return inserted, err
		}
	}

	if err := g.sink.FinishBatch(ctx, opts.BatchID, match.BatchCompleted, ""); err != nil {
		return inserted, err
	}
	return inserted, nil
}

func (g *Generator) blueLine(opts Options) match.BlueLine {
	amount := g.amount(opts.MinAmount, opts.MaxAmount)
	return match.BlueLine{
		TicketID:    uuid.NewString(),
		ProductName: g.faker.ProductName(),
		Key: match.Key{
			TaxRate:  opts.TaxRates[g.rnd.Intn(len(opts.TaxRates))],
			BuyerID:  g.rnd.Int31n(opts.BuyerCount) + 1,
			SellerID: g.rnd.Int31n(opts.SellerCount) + 1,
		},
		OriginalAmount: amount,
		Remaining:      amount,
		BatchID:        opts.BatchID,
	}
}

// amount skews towards small values the way real invoice lines do: most
// lines are small, with a long tail of large ones.
func (g *Generator) amount(min, max int64) int64 {
	span := max - min
	f := g.rnd.Float64()
	f = f * f * f // cube bias towards the low end
	cents := min + int64(f*float64(span))
	if cents < min {
		cents = min
	}
	if cents > max {
		cents = max
	}
	return cents
}

// Scenario produces negatives against the given key space. Known names
// mirror the standing test scenarios: small, mixed, stress.
func (g *Generator) Scenario(name string, keys []match.Key) ([]match.NegativeInvoice, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("scenario %s: no keys", name)
	}
	var (
		count    int
		min, max int64
	)
	switch name {
	case "small":
		count, min, max = 200, 10_00, 100_00
	case "mixed":
		count, min, max = 100, 10_00, 5_000_00
	case "stress":
		count, min, max = 1000, 10_00, 5_000_00
	default:
		return nil, fmt.Errorf("unknown scenario %q", name)
	}

	out := make([]match.NegativeInvoice, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, match.NegativeInvoice{
			InvoiceID: int64(i + 1),
			Key:       keys[g.rnd.Intn(len(keys))],
			Amount:    g.amount(min, max),
			Priority:  int32(g.rnd.Intn(10)),
		})
	}
	return out, nil
}
