package match

import "sort"

// Plan is the output of a pure allocation pass over one group.
type Plan struct {
	Results    []MatchResult
	Decrements map[int64]int64 // blue line id -> total cents drawn
	Fragments  int             // candidates left with 0 < remaining < threshold
}

// Complete reports whether every negative fully matched.
func (p *Plan) Complete() bool {
	for _, r := range p.Results {
		if r.Status != StatusMatched {
			return false
		}
	}
	return true
}

// Allocate greedily draws each negative's magnitude from the candidate window.
// Candidates must already be ordered per the requested candidate order and
// share the negatives' key. The function mutates nothing it is given and is
// deterministic for identical inputs.
func Allocate(negatives []NegativeInvoice, candidates []BlueLine, strategy SortStrategy, fragmentThreshold int64) *Plan {
	ordered := sortNegatives(negatives, strategy)

	working := make([]int64, len(candidates))
	touched := make([]bool, len(candidates))
	for i, c := range candidates {
		working[i] = c.Remaining
	}

	plan := &Plan{
		Results:    make([]MatchResult, 0, len(ordered)),
		Decrements: make(map[int64]int64),
	}

	cursor := 0
	for _, neg := range ordered {
		need := neg.Amount
		var allocs []MatchAllocation

		for need > 0 && cursor < len(candidates) {
			if working[cursor] == 0 {
				cursor++
				continue
			}
			use := need
			if working[cursor] < use {
				use = working[cursor]
			}
			working[cursor] -= use
			touched[cursor] = true
			need -= use
			allocs = append(allocs, MatchAllocation{
				BlueLineID:     candidates[cursor].LineID,
				AmountUsed:     use,
				RemainingAfter: working[cursor],
			})
			plan.Decrements[candidates[cursor].LineID] += use
			if working[cursor] == 0 {
				cursor++
			}
		}

		res := MatchResult{
			NegativeInvoiceID: neg.InvoiceID,
			Allocations:       allocs,
			TotalAllocated:    neg.Amount - need,
			Shortfall:         need,
		}
		switch {
		case need == 0:
			res.Status = StatusMatched
		case len(allocs) > 0:
			res.Status = StatusPartial
			res.Reason = ReasonInsufficientFunds
		default:
			res.Status = StatusUnmatched
			if len(candidates) == 0 {
				res.Reason = ReasonNoCandidates
			} else {
				res.Reason = ReasonInsufficientFunds
			}
		}
		plan.Results = append(plan.Results, res)
	}

	for i := range candidates {
		if touched[i] && working[i] > 0 && working[i] < fragmentThreshold {
			plan.Fragments++
		}
	}
	return plan
}

// sortNegatives returns a new slice ordered by the strategy with a stable
// invoice-id tiebreak so plans are reproducible.
func sortNegatives(negatives []NegativeInvoice, strategy SortStrategy) []NegativeInvoice {
	out := make([]NegativeInvoice, len(negatives))
	copy(out, negatives)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch strategy {
		case SortAmountAsc:
			if a.Amount != b.Amount {
				return a.Amount < b.Amount
			}
		case SortPriorityDesc:
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			if a.Amount != b.Amount {
				return a.Amount > b.Amount
			}
		default: // SortAmountDesc
			if a.Amount != b.Amount {
				return a.Amount > b.Amount
			}
		}
		return a.InvoiceID < b.InvoiceID
	})
	return out
}

// SortCandidates orders a candidate window the way the provider contract
// requires, with a line-id tiebreak. Used by in-memory stores; the Postgres
// provider orders in SQL.
func SortCandidates(lines []BlueLine, order CandidateOrder) {
	sort.SliceStable(lines, func(i, j int) bool {
		a, b := lines[i], lines[j]
		switch order {
		case OrderRemainingDesc:
			if a.Remaining != b.Remaining {
				return a.Remaining > b.Remaining
			}
		case OrderLineIDAsc:
			// fall through to tiebreak
		default: // OrderRemainingAsc
			if a.Remaining != b.Remaining {
				return a.Remaining < b.Remaining
			}
		}
		return a.LineID < b.LineID
	})
}
