package domain

// WriteSet is the set of rows materialized from a run of events. Rows keep
// the order in which their events were applied.
type WriteSet struct {
	Pools         []Pool
	Trades        []Trade
	Contributions []OHLCVContribution
	Prices        []PriceTick
	States        []PoolState
}

// Empty reports whether the set carries no rows.
func (w *WriteSet) Empty() bool {
	return len(w.Pools) == 0 && len(w.Trades) == 0 && len(w.Contributions) == 0 &&
		len(w.Prices) == 0 && len(w.States) == 0
}

// Append adds the rows of o after the rows of w.
func (w *WriteSet) Append(o *WriteSet) {
	w.Pools = append(w.Pools, o.Pools...)
	w.Trades = append(w.Trades, o.Trades...)
	w.Contributions = append(w.Contributions, o.Contributions...)
	w.Prices = append(w.Prices, o.Prices...)
	w.States = append(w.States, o.States...)
}
