package datagen

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fapiaoyun/redmatch/internal/match"
)

type fakeSink struct {
	lines      []match.BlueLine
	batches    map[string]*match.BatchMetadata
	failAfter  int // fail the insert once this many lines landed; 0 = never
	failedOnce bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{batches: map[string]*match.BatchMetadata{}}
}

func (f *fakeSink) InsertBlueLines(ctx context.Context, lines []match.BlueLine) error {
	if f.failAfter > 0 && !f.failedOnce && len(f.lines)+len(lines) > f.failAfter {
		f.failedOnce = true
		return errors.New("connection reset")
	}
	f.lines = append(f.lines, lines...)
	return nil
}

func (f *fakeSink) EnsureGenerationBatch(ctx context.Context, batchID string, total int64) (match.BatchMetadata, error) {
	b, ok := f.batches[batchID]
	if !ok {
		b = &match.BatchMetadata{BatchID: batchID, TotalLines: total, Status: match.BatchRunning}
		f.batches[batchID] = b
	}
	b.TotalLines = total
	return *b, nil
}

func (f *fakeSink) UpdateInsertedLines(ctx context.Context, batchID string, inserted int64) error {
	f.batches[batchID].InsertedLines = inserted
	return nil
}

func (f *fakeSink) FinishBatch(ctx context.Context, batchID string, status match.BatchStatus, errMsg string) error {
	f.batches[batchID].Status = status
	f.batches[batchID].ErrorMessage = errMsg
	return nil
}

func TestGenerateBlueLines(t *testing.T) {
	sink := newFakeSink()
	gen := New(sink, 42)

	inserted, err := gen.GenerateBlueLines(context.Background(), Options{
		BatchID:    "gen_1",
		TotalLines: 250,
		ChunkSize:  100,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(250), inserted)
	assert.Len(t, sink.lines, 250)
	assert.Equal(t, match.BatchCompleted, sink.batches["gen_1"].Status)

	for _, l := range sink.lines {
		assert.NotEmpty(t, l.TicketID)
		assert.NotEmpty(t, l.ProductName)
		assert.Equal(t, "gen_1", l.BatchID)
		assert.Equal(t, l.OriginalAmount, l.Remaining)
		assert.Positive(t, l.Remaining)
		assert.Contains(t, []int16{6, 9, 13}, l.Key.TaxRate)
		assert.GreaterOrEqual(t, l.Key.BuyerID, int32(1))
		assert.LessOrEqual(t, l.Key.BuyerID, int32(50))
	}
}

func TestGenerateResumesAfterFailure(t *testing.T) {
	sink := newFakeSink()
	sink.failAfter = 150
	gen := New(sink, 42)

	opts := Options{BatchID: "gen_1", TotalLines: 300, ChunkSize: 100}
	inserted, err := gen.GenerateBlueLines(context.Background(), opts)
	require.Error(t, err)
	assert.Equal(t, int64(100), inserted)
	assert.Equal(t, match.BatchFailed, sink.batches["gen_1"].Status)

	// Second run picks up from inserted_lines.
	inserted, err = gen.GenerateBlueLines(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, int64(300), inserted)
	assert.Len(t, sink.lines, 300)
	assert.Equal(t, match.BatchCompleted, sink.batches["gen_1"].Status)
}

func TestGenerateAlreadyComplete(t *testing.T) {
	sink := newFakeSink()
	gen := New(sink, 1)

	opts := Options{BatchID: "gen_1", TotalLines: 50, ChunkSize: 50}
	_, err := gen.GenerateBlueLines(context.Background(), opts)
	require.NoError(t, err)

	inserted, err := gen.GenerateBlueLines(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, int64(50), inserted)
	assert.Len(t, sink.lines, 50, "idempotent per batch id")
}

func TestGenerateValidation(t *testing.T) {
	gen := New(newFakeSink(), 1)

	_, err := gen.GenerateBlueLines(context.Background(), Options{TotalLines: 10})
	require.Error(t, err, "batch id required")

	_, err = gen.GenerateBlueLines(context.Background(), Options{BatchID: "g", TotalLines: 0})
	require.Error(t, err)
}

func TestScenario(t *testing.T) {
	gen := New(newFakeSink(), 7)
	keys := []match.Key{{TaxRate: 13, BuyerID: 1, SellerID: 1}, {TaxRate: 6, BuyerID: 2, SellerID: 2}}

	negs, err := gen.Scenario("small", keys)
	require.NoError(t, err)
	assert.Len(t, negs, 200)
	for _, n := range negs {
		assert.Positive(t, n.Amount)
		assert.LessOrEqual(t, n.Amount, int64(100_00))
		assert.Contains(t, keys, n.Key)
	}

	stress, err := gen.Scenario("stress", keys)
	require.NoError(t, err)
	assert.Len(t, stress, 1000)

	_, err = gen.Scenario("bogus", keys)
	require.Error(t, err)

	_, err = gen.Scenario("small", nil)
	require.Error(t, err)
}
