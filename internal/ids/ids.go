package ids

import (
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewBatchID returns a batch identifier with a stable prefix so operators can
// tell engine-generated ids from caller-supplied ones.
func NewBatchID() string {
	return "mb_" + New()
}

// Valid reports whether s can serve as a batch id: non-empty, no whitespace,
// and short enough for the batch_metadata key column.
func Valid(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	return !strings.ContainsAny(s, " \t\n\r")
}
