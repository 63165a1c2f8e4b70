package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Core stream field names.
const (
	FieldKind     = "kind"
	FieldTx       = "tx"
	FieldMsgIndex = "msg_index"
	FieldHeight   = "height"
	FieldTs       = "ts"
	FieldPayload  = "payload"

	// FieldJSON is the single field of legacy per-kind streams.
	FieldJSON = "j"
)

// Codec errors.
var (
	// ErrMalformedEvent is returned when a record cannot be decoded. Such
	// records are poison: retrying them never succeeds.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrUnknownKind is returned for records of a kind this build does not handle.
	ErrUnknownKind = errors.New("unknown event kind")
)

// EncodeFields renders an event as core stream fields. Flat fields allow
// ordering without decoding the payload.
func EncodeFields(e Event) (map[string]string, error) {
	payload := e.Payload()
	if payload == nil {
		return nil, fmt.Errorf("encode %q: %w", e.Kind, ErrUnknownKind)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %q payload: %w", e.Kind, err)
	}
	meta := e.Meta()
	return map[string]string{
		FieldKind:     string(e.Kind),
		FieldTx:       meta.TxHash,
		FieldMsgIndex: strconv.Itoa(meta.MsgIndex),
		FieldHeight:   strconv.FormatInt(meta.Height, 10),
		FieldTs:       strconv.FormatInt(meta.CreatedAt.UnixMilli(), 10),
		FieldPayload:  string(body),
	}, nil
}

// DecodeFields parses core stream fields back into an event. Height and
// message index in the flat fields win over the payload when both exist.
func DecodeFields(fields map[string]string) (Event, error) {
	kind := EventKind(fields[FieldKind])
	e, err := decodePayload(kind, fields[FieldPayload])
	if err != nil {
		return Event{}, err
	}
	meta := metaPtr(e)
	if v := fields[FieldHeight]; v != "" {
		h, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Event{}, fmt.Errorf("%w: height %q", ErrMalformedEvent, v)
		}
		meta.Height = h
	}
	if v := fields[FieldMsgIndex]; v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			return Event{}, fmt.Errorf("%w: msg_index %q", ErrMalformedEvent, v)
		}
		meta.MsgIndex = i
	}
	if meta.TxHash == "" {
		meta.TxHash = fields[FieldTx]
	}
	return e, nil
}

// EncodeLegacy renders an event for a per-kind stream.
func EncodeLegacy(e Event) (map[string]string, error) {
	payload := e.Payload()
	if payload == nil {
		return nil, fmt.Errorf("encode %q: %w", e.Kind, ErrUnknownKind)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %q payload: %w", e.Kind, err)
	}
	return map[string]string{FieldJSON: string(body)}, nil
}

// DecodeLegacy parses a per-kind stream record of the given kind.
func DecodeLegacy(kind EventKind, fields map[string]string) (Event, error) {
	return decodePayload(kind, fields[FieldJSON])
}

func decodePayload(kind EventKind, body string) (Event, error) {
	if body == "" {
		return Event{}, fmt.Errorf("%w: empty payload", ErrMalformedEvent)
	}
	var (
		e   Event
		err error
	)
	switch kind {
	case KindNewPool:
		e = NewPoolEvent(&PoolCreated{})
		err = json.Unmarshal([]byte(body), e.Pool)
		switch {
		case err != nil:
		case e.Pool.PairContract == "":
			err = errors.New("missing pair_contract")
		case e.Pool.BaseDenom == "" || e.Pool.QuoteDenom == "":
			err = errors.New("missing base_denom or quote_denom")
		}
	case KindSwap:
		e = NewSwapEvent(&SwapEvent{})
		err = json.Unmarshal([]byte(body), e.Swap)
		if err == nil && e.Swap.PairContract == "" {
			err = errors.New("missing pair_contract")
		}
	case KindLiquidity:
		e = NewLiquidityEvent(&LiquidityEvent{})
		err = json.Unmarshal([]byte(body), e.Liquidity)
		if err == nil && e.Liquidity.PairContract == "" {
			err = errors.New("missing pair_contract")
		}
	case KindPrice:
		e = NewPriceEvent(&PriceSnapshot{})
		err = json.Unmarshal([]byte(body), e.Price)
		if err == nil && e.Price.PairContract == "" {
			err = errors.New("missing pair_contract")
		}
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err != nil {
		return Event{}, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, kind, err)
	}
	return e, nil
}

func metaPtr(e Event) *EventMeta {
	switch {
	case e.Pool != nil:
		return &e.Pool.EventMeta
	case e.Swap != nil:
		return &e.Swap.EventMeta
	case e.Liquidity != nil:
		return &e.Liquidity.EventMeta
	default:
		return &e.Price.EventMeta
	}
}
