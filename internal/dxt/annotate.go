package dxt

import (
	"sort"
	"strconv"
)

// Annotate computes consec and seq for every event relative to the
// preceding event of the same rank, where events of a rank are ordered by
// Index (emission order, not start time). The first event of each rank gets false for both. The input is not
// modified; the result keeps the input order.
//
// Unlike consec, seq does not require the predecessor to have the same
// operation.
func Annotate(events []Event) []Event {
	out := make([]Event, len(events))
	copy(out, events)
	if len(out) == 0 {
		return out
	}

	order := make([]int, len(out))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ea, eb := &out[order[a]], &out[order[b]]
		if ea.Rank != eb.Rank {
			return RankLess(ea.Rank, eb.Rank)
		}
		return ea.Index < eb.Index
	})

	for pos, idx := range order {
		event := &out[idx]
		if pos == 0 || out[order[pos-1]].Rank != event.Rank {
			event.Consec = false
			event.Seq = false
			continue
		}
		prev := out[order[pos-1]]
		prevEnd := prev.Offset + prev.Size
		event.Consec = event.Operation == prev.Operation && event.Offset >= prevEnd
		event.Seq = event.Offset == prevEnd
	}
	return out
}

// RankLess orders numeric ranks by value ahead of non-numeric ones, which
// sort lexically.
func RankLess(a, b string) bool {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	switch {
	case errA == nil && errB == nil:
		if na != nb {
			return na < nb
		}
		return a < b
	case errA == nil:
		return true
	case errB == nil:
		return false
	default:
		return a < b
	}
}
