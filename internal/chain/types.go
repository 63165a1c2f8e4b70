package chain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// FieldRaw is the single field of a raw block stream record.
const FieldRaw = "j"

// Header is the subset of a block header the indexer reads. The full header
// is kept verbatim in RawBlock.
type Header struct {
	Height int64
	Time   time.Time
}

// Block is a block with its transactions, base64 encoded.
type Block struct {
	Header    Header
	RawHeader json.RawMessage
	Txs       []string
}

// Attribute is one key/value pair of an ABCI event.
type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Event is an ABCI event emitted while executing a transaction.
type Event struct {
	Type       string      `json:"type"`
	Attributes []Attribute `json:"attributes"`
}

// Attr returns the last value of key, which is how contracts overwrite
// attributes of one event.
func (e Event) Attr(key string) string {
	v := ""
	for _, a := range e.Attributes {
		if a.Key == key {
			v = a.Value
		}
	}
	return v
}

// TxResult is the execution result of one transaction.
type TxResult struct {
	Code   uint32  `json:"code"`
	Log    string  `json:"log,omitempty"`
	Events []Event `json:"events"`
}

// BlockResults are the execution results of every transaction in a block,
// in block order.
type BlockResults struct {
	Height     int64
	TxsResults []TxResult
}

// RawBlock is the record published on the raw block stream: a block joined
// with its results.
type RawBlock struct {
	Height  int64           `json:"height"`
	Time    time.Time       `json:"time"`
	Header  json.RawMessage `json:"header,omitempty"`
	Txs     []string        `json:"txs"`
	Results []TxResult      `json:"results"`
}

// NewRawBlock joins a block with its results.
func NewRawBlock(b *Block, r *BlockResults) *RawBlock {
	raw := &RawBlock{
		Height: b.Header.Height,
		Time:   b.Header.Time,
		Header: b.RawHeader,
		Txs:    b.Txs,
	}
	if r != nil {
		raw.Results = r.TxsResults
	}
	return raw
}

// Encode renders the block as raw stream fields.
func (b *RawBlock) Encode() (map[string]string, error) {
	body, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode block %d: %w", b.Height, err)
	}
	return map[string]string{FieldRaw: string(body)}, nil
}

// DecodeRawBlock parses a raw stream record.
func DecodeRawBlock(fields map[string]string) (*RawBlock, error) {
	body := fields[FieldRaw]
	if body == "" {
		return nil, fmt.Errorf("raw block: empty %q field", FieldRaw)
	}
	var b RawBlock
	if err := json.Unmarshal([]byte(body), &b); err != nil {
		return nil, fmt.Errorf("raw block: %w", err)
	}
	if b.Height == 0 && len(b.Header) > 0 {
		var h rpcHeader
		if err := json.Unmarshal(b.Header, &h); err == nil {
			if hdr, err := h.parse(); err == nil {
				b.Height = hdr.Height
				if b.Time.IsZero() {
					b.Time = hdr.Time
				}
			}
		}
	}
	return &b, nil
}

// rpcHeader is the JSON shape of a header. CometBFT encodes int64 as strings.
type rpcHeader struct {
	Height string `json:"height"`
	Time   string `json:"time"`
}

func (h rpcHeader) parse() (Header, error) {
	height, err := strconv.ParseInt(h.Height, 10, 64)
	if err != nil {
		return Header{}, fmt.Errorf("header height %q: %w", h.Height, err)
	}
	var t time.Time
	if h.Time != "" {
		t, err = time.Parse(time.RFC3339Nano, h.Time)
		if err != nil {
			return Header{}, fmt.Errorf("header time %q: %w", h.Time, err)
		}
	}
	return Header{Height: height, Time: t.UTC()}, nil
}
