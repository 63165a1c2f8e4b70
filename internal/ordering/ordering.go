// Package ordering imposes the causal application order of derived events:
// pool creation, then liquidity, then swaps, then price observations.
package ordering

import (
	"errors"
	"sort"
	"strconv"
	"strings"

	"dex-indexer/internal/domain"
)

// ErrInvalidOrdering is returned when a batch is not in application order.
var ErrInvalidOrdering = errors.New("events are not in application order")

// unknownPriority sorts kinds this build does not know after all others.
const unknownPriority = 999

var priorities = map[domain.EventKind]int{
	domain.KindNewPool:   0,
	domain.KindLiquidity: 1,
	domain.KindSwap:      2,
	domain.KindPrice:     3,
}

// Priority returns the application priority of a kind. Lower applies first.
func Priority(k domain.EventKind) int {
	if p, ok := priorities[k]; ok {
		return p
	}
	return unknownPriority
}

// BundleByTx groups events by transaction hash, keeping the first-seen order
// of transactions, and sorts each group by (priority, msg_index). Events
// without a transaction hash form singleton groups and keep their position.
// The publisher emits bundles in order, so every transaction reaches the
// ordered stream in causal order.
func BundleByTx(events []domain.Event) [][]domain.Event {
	var bundles [][]domain.Event
	index := make(map[string]int)

	for _, ev := range events {
		tx := ev.Meta().TxHash
		if tx == "" {
			bundles = append(bundles, []domain.Event{ev})
			continue
		}
		if i, ok := index[tx]; ok {
			bundles[i] = append(bundles[i], ev)
			continue
		}
		index[tx] = len(bundles)
		bundles = append(bundles, []domain.Event{ev})
	}

	for _, b := range bundles {
		sort.SliceStable(b, func(i, j int) bool {
			return compareInTx(b[i], b[j]) < 0
		})
	}
	return bundles
}

// Flatten concatenates bundles in order.
func Flatten(bundles [][]domain.Event) []domain.Event {
	var out []domain.Event
	for _, b := range bundles {
		out = append(out, b...)
	}
	return out
}

// compareInTx orders events of one transaction: (priority ASC, msg_index ASC).
func compareInTx(a, b domain.Event) int {
	if pa, pb := Priority(a.Kind), Priority(b.Kind); pa != pb {
		return cmpInt(pa, pb)
	}
	return cmpInt(a.Meta().MsgIndex, b.Meta().MsgIndex)
}

// Item is a delivered event tagged with its broker record id.
type Item struct {
	RecordID string
	Event    domain.Event
}

// SortBatch orders a delivered batch by
// (height ASC, priority ASC, msg_index ASC, record id ASC).
// The record id tie-break keeps the order total.
func SortBatch(items []Item) {
	sort.Slice(items, func(i, j int) bool {
		return compareItems(items[i], items[j]) < 0
	})
}

// ValidateBatchOrdering checks that a batch is in SortBatch order.
// Returns ErrInvalidOrdering if not.
func ValidateBatchOrdering(items []Item) error {
	for i := 1; i < len(items); i++ {
		if compareItems(items[i-1], items[i]) > 0 {
			return ErrInvalidOrdering
		}
	}
	return nil
}

// compareItems returns:
//   - negative if a < b
//   - zero if a == b
//   - positive if a > b
func compareItems(a, b Item) int {
	ma, mb := a.Event.Meta(), b.Event.Meta()
	if ma.Height != mb.Height {
		if ma.Height < mb.Height {
			return -1
		}
		return 1
	}
	if pa, pb := Priority(a.Event.Kind), Priority(b.Event.Kind); pa != pb {
		return cmpInt(pa, pb)
	}
	if ma.MsgIndex != mb.MsgIndex {
		return cmpInt(ma.MsgIndex, mb.MsgIndex)
	}
	return CompareRecordIDs(a.RecordID, b.RecordID)
}

// CompareRecordIDs compares stream ids of the form "<ms>-<seq>" numerically.
// Ids that do not parse fall back to string comparison.
func CompareRecordIDs(a, b string) int {
	ams, aseq, aok := parseID(a)
	bms, bseq, bok := parseID(b)
	if !aok || !bok {
		return strings.Compare(a, b)
	}
	if ams != bms {
		if ams < bms {
			return -1
		}
		return 1
	}
	if aseq != bseq {
		if aseq < bseq {
			return -1
		}
		return 1
	}
	return 0
}

func parseID(id string) (uint64, uint64, bool) {
	msPart, seqPart, found := strings.Cut(id, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if !found {
		return ms, 0, true
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return ms, seq, true
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
