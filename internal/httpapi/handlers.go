package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/fapiaoyun/redmatch/internal/audit"
	"github.com/fapiaoyun/redmatch/internal/ids"
	"github.com/fapiaoyun/redmatch/internal/match"
	"github.com/fapiaoyun/redmatch/internal/obs"
	"github.com/fapiaoyun/redmatch/internal/store/pg"
	"github.com/fapiaoyun/redmatch/internal/stream"
)

// ReadyProbe pings the database for /readyz.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Runner drives batches; the match engine implements it.
type Runner interface {
	ExecuteStream(ctx context.Context, negatives []match.NegativeInvoice, opts match.BatchOptions) (<-chan match.MatchResult, func() (*match.BatchOutcome, error), error)
}

// Reporter reads batch progress and pool statistics.
type Reporter interface {
	GetBatch(ctx context.Context, batchID string) (match.BatchMetadata, error)
	ListBatches(ctx context.Context, limit int) ([]match.BatchMetadata, error)
	FragmentStats(ctx context.Context) ([]match.FragmentBucket, error)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string
	runner     Runner
	reporter   Reporter
	events     *stream.Stream
	defaults   match.BatchOptions

	rateBurst  int
	ratePerSec int
}

// New wires routes. defaults seed each submitted batch's options.
func New(rp ReadyProbe, version string, runner Runner, reporter Reporter, events *stream.Stream, defaults match.BatchOptions) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		runner:     runner,
		reporter:   reporter,
		events:     events,
		defaults:   defaults,
		rateBurst:  50,
		ratePerSec: 25,
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)

	a.mux.HandleFunc("POST /v1/batches", a.SubmitBatch)
	a.mux.HandleFunc("GET /v1/batches", a.ListBatches)
	a.mux.HandleFunc("GET /v1/batches/{id}", a.GetBatch)
	a.mux.HandleFunc("GET /v1/stats/fragments", a.FragmentStats)
	a.mux.HandleFunc("GET /v1/events", a.Events)

	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = MaxBodyBytes(h, 8<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = Logging(h)
	h = SecurityHeaders(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "redmatch-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "redmatch-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

type negativeRequest struct {
	NegativeInvoiceID int64  `json:"negative_invoice_id"`
	TaxRate           int16  `json:"tax_rate"`
	BuyerID           int32  `json:"buyer_id"`
	SellerID          int32  `json:"seller_id"`
	Amount            string `json:"amount"` // scale-2 decimal, e.g. "120.00"
	Priority          int32  `json:"priority,omitempty"`
}

type batchRequest struct {
	BatchID        string            `json:"batch_id,omitempty"`
	Negatives      []negativeRequest `json:"negatives"`
	Mode           string            `json:"mode,omitempty"`
	WorkerCount    int               `json:"worker_count,omitempty"`
	CandidateLimit int               `json:"candidate_limit,omitempty"`
	SortStrategy   string            `json:"sort_strategy,omitempty"`
	CandidateOrder string            `json:"candidate_order,omitempty"`
	Resume         bool              `json:"resume,omitempty"`
	RecordOutcome  bool              `json:"record_outcome,omitempty"`
}

// SubmitBatch accepts a batch and runs it detached from the request; progress
// flows through /v1/events and /v1/batches/{id}.
func (a *API) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if len(req.Negatives) == 0 {
		writeError(w, http.StatusBadRequest, "negatives are required")
		return
	}

	negatives := make([]match.NegativeInvoice, 0, len(req.Negatives))
	for _, n := range req.Negatives {
		d, err := decimal.NewFromString(n.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "negative "+strconv.FormatInt(n.NegativeInvoiceID, 10)+": bad amount")
			return
		}
		cents, err := match.CentsFromDecimal(d)
		if err != nil || cents <= 0 {
			writeError(w, http.StatusBadRequest, "negative "+strconv.FormatInt(n.NegativeInvoiceID, 10)+": amount must be a positive scale-2 decimal")
			return
		}
		negatives = append(negatives, match.NegativeInvoice{
			InvoiceID: n.NegativeInvoiceID,
			Key:       match.Key{TaxRate: n.TaxRate, BuyerID: n.BuyerID, SellerID: n.SellerID},
			Amount:    cents,
			Priority:  n.Priority,
		})
	}

	opts := a.defaults
	opts.BatchID = req.BatchID
	if opts.BatchID == "" {
		opts.BatchID = ids.NewBatchID()
	}
	if req.Mode != "" {
		opts.Mode = match.Mode(req.Mode)
	}
	if req.WorkerCount > 0 {
		opts.WorkerCount = req.WorkerCount
	}
	if req.CandidateLimit > 0 {
		opts.CandidateLimit = req.CandidateLimit
	}
	if req.SortStrategy != "" {
		opts.SortStrategy = match.SortStrategy(req.SortStrategy)
	}
	if req.CandidateOrder != "" {
		opts.CandidateOrder = match.CandidateOrder(req.CandidateOrder)
	}
	opts.Resume = req.Resume
	opts.RecordOutcome = req.RecordOutcome

	// The batch outlives the request.
	runCtx := audit.WithRequestID(context.Background(), r.Header.Get("X-Request-Id"))
	ch, wait, err := a.runner.ExecuteStream(runCtx, negatives, opts)
	if err != nil {
		switch {
		case errors.Is(err, match.ErrDuplicateBatch):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	a.events.Publish(stream.BatchEvent{BatchID: opts.BatchID, Type: "batch_started"})
	go func() {
		for res := range ch {
			a.events.Publish(stream.BatchEvent{
				BatchID:   opts.BatchID,
				Type:      "result",
				Status:    string(res.Status),
				Negative:  res.NegativeInvoiceID,
				Allocated: res.TotalAllocated,
				Shortfall: res.Shortfall,
			})
		}
		out, runErr := wait()
		evt := stream.BatchEvent{BatchID: opts.BatchID, Type: "batch_finished"}
		if out != nil {
			evt.Status = string(out.Status)
		}
		if runErr != nil {
			logrus.WithError(runErr).WithField("batch_id", opts.BatchID).Error("batch run failed")
		}
		a.events.Publish(evt)
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"batch_id": opts.BatchID,
		"accepted": len(negatives),
	})
}

func (a *API) GetBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	md, err := a.reporter.GetBatch(r.Context(), id)
	if err != nil {
		if errors.Is(err, pg.ErrBatchNotFound) {
			writeError(w, http.StatusNotFound, "batch not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]any{"batch": md}
	if md.TotalLines > 0 {
		resp["progress_pct"] = float64(md.InsertedLines) / float64(md.TotalLines) * 100
	}
	if md.Status == match.BatchRunning && md.InsertedLines > 0 {
		elapsed := time.Since(md.StartTime).Seconds()
		if elapsed > 0 {
			rate := float64(md.InsertedLines) / elapsed
			resp["rate_per_sec"] = rate
			if rate > 0 {
				resp["eta_seconds"] = float64(md.TotalLines-md.InsertedLines) / rate
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) ListBatches(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	batches, err := a.reporter.ListBatches(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

func (a *API) FragmentStats(w http.ResponseWriter, r *http.Request) {
	buckets, err := a.reporter.FragmentStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var totalLines, totalAmount, fragCount, fragAmount int64
	for _, b := range buckets {
		totalLines += b.Count
		totalAmount += b.Amount
		if b.Category == "1_fragment" {
			fragCount = b.Count
			fragAmount = b.Amount
		}
	}
	resp := map[string]any{
		"distribution": buckets,
		"total_lines":  totalLines,
		"total_amount": totalAmount,
	}
	if totalLines > 0 {
		resp["fragment_rate"] = float64(fragCount) / float64(totalLines)
	}
	if totalAmount > 0 {
		resp["fragment_amount_rate"] = float64(fragAmount) / float64(totalAmount)
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}
