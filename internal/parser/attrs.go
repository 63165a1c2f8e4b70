package parser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"dex-indexer/internal/chain"
	"dex-indexer/internal/domain"
)

var (
	digitsRe = regexp.MustCompile(`^[0-9]+$`)
	// coinRe matches the SDK coin notation "1000uzig".
	coinRe = regexp.MustCompile(`^([0-9]+)([a-zA-Z][a-zA-Z0-9/:._-]*)$`)
)

// attrs is a flattened view of one event: last value wins per key.
type attrs map[string]string

func toAttrs(e chain.Event) attrs {
	m := make(attrs, len(e.Attributes))
	for _, a := range e.Attributes {
		m[a.Key] = a.Value
	}
	return m
}

// first returns the first non-empty value among keys.
func (a attrs) first(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(a[k]); v != "" {
			return v
		}
	}
	return ""
}

// msgIndex returns the msg_index attribute, or fallback when absent.
func (a attrs) msgIndex(fallback int) int {
	if v, ok := a["msg_index"]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

// byType returns the events of one type, flattened.
func byType(events []chain.Event, typ string) []attrs {
	var out []attrs
	for _, e := range events {
		if e.Type == typ {
			out = append(out, toAttrs(e))
		}
	}
	return out
}

// byAction filters wasm events by their action attribute.
func byAction(wasms []attrs, action string) []attrs {
	var out []attrs
	for _, w := range wasms {
		if w["action"] == action {
			out = append(out, w)
		}
	}
	return out
}

// msgSenders maps message index to the sender of the message events.
func msgSenders(msgs []attrs) map[int]string {
	out := make(map[int]string)
	for i, m := range msgs {
		sender := m["sender"]
		if sender == "" {
			continue
		}
		idx := m.msgIndex(i)
		if _, ok := out[idx]; !ok {
			out[idx] = sender
		}
	}
	return out
}

// digits parses a base unit amount. Anything but plain digits is null.
func digits(s string) decimal.NullDecimal {
	s = strings.TrimSpace(s)
	if !digitsRe.MatchString(s) {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

// splitPair splits the factory's "base-quote" pair attribute. Denoms may
// contain dashes, so the split that isolates the reference denom wins.
func splitPair(pair string) (base, quote string) {
	pair = strings.TrimSpace(pair)
	if pair == "" {
		return "", ""
	}
	if rest, ok := strings.CutSuffix(pair, "-"+domain.ReferenceDenom); ok && rest != "" {
		return rest, domain.ReferenceDenom
	}
	if rest, ok := strings.CutPrefix(pair, domain.ReferenceDenom+"-"); ok && rest != "" {
		return rest, domain.ReferenceDenom
	}
	base, quote, ok := strings.Cut(pair, "-")
	if !ok {
		return pair, ""
	}
	return base, quote
}

// parseReserves reads the "reserves" attribute. Entries are separated by
// commas and written either as "denom:amount" or in coin notation.
func parseReserves(s string) []domain.AssetAmount {
	var out []domain.AssetAmount
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if denom, amount, ok := strings.Cut(part, ":"); ok {
			if a := digits(amount); a.Valid && strings.TrimSpace(denom) != "" {
				out = append(out, domain.AssetAmount{Denom: strings.TrimSpace(denom), Amount: a.Decimal})
			}
			continue
		}
		if c, ok := parseCoin(part); ok {
			out = append(out, c)
		}
	}
	return out
}

// parseCoins reads a coin list such as "1000uzig, 25coin.zig1abc.meme".
func parseCoins(s string) []domain.AssetAmount {
	var out []domain.AssetAmount
	for _, part := range strings.Split(s, ",") {
		if c, ok := parseCoin(strings.TrimSpace(part)); ok {
			out = append(out, c)
		}
	}
	return out
}

func parseCoin(s string) (domain.AssetAmount, bool) {
	m := coinRe.FindStringSubmatch(s)
	if m == nil {
		return domain.AssetAmount{}, false
	}
	amount, err := decimal.NewFromString(m[1])
	if err != nil {
		return domain.AssetAmount{}, false
	}
	return domain.AssetAmount{Denom: m[2], Amount: amount}, true
}

// reserveSide is one reserve as read from explicit attributes, possibly
// incomplete.
type reserveSide struct {
	denom  string
	amount decimal.NullDecimal
}

func (r reserveSide) complete() bool { return r.denom != "" && r.amount.Valid }

// fill completes missing parts of r from a fallback entry.
func (r *reserveSide) fill(a domain.AssetAmount) {
	if r.denom == "" {
		r.denom = a.Denom
	}
	if !r.amount.Valid {
		r.amount = decimal.NewNullDecimal(a.Amount)
	}
}

// reservePair holds the two post-event reserves of a pair.
type reservePair [2]reserveSide

func (p reservePair) complete() bool { return p[0].complete() && p[1].complete() }

// fillFrom completes missing sides positionally from fallback entries.
func (p *reservePair) fillFrom(list []domain.AssetAmount) {
	for i := 0; i < 2 && i < len(list); i++ {
		p[i].fill(list[i])
	}
}

// assets returns the sides known in full.
func (p reservePair) assets() []domain.AssetAmount {
	var out []domain.AssetAmount
	for _, s := range p {
		if s.complete() {
			out = append(out, domain.AssetAmount{Denom: s.denom, Amount: s.amount.Decimal})
		}
	}
	return out
}
