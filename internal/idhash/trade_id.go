// Package idhash derives deterministic identifiers for ledger rows and transactions.
package idhash

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// ComputeTradeID computes a deterministic trade_id using SHA256.
// Formula: SHA256(tx_hash|pool_id|msg_index|event_index)
// Returns hex-encoded hash (64 characters).
func ComputeTradeID(txHash string, poolID int64, msgIndex, eventIndex int) string {
	data := fmt.Sprintf("%s|%d|%d|%d",
		strings.ToUpper(txHash),
		poolID,
		msgIndex,
		eventIndex,
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// TxHash returns the chain hash of a base64 encoded raw transaction:
// upper-case hex SHA256 of the decoded bytes.
func TxHash(rawTxBase64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(rawTxBase64)
	if err != nil {
		return "", fmt.Errorf("decode tx: %w", err)
	}
	return TxHashBytes(raw), nil
}

// TxHashBytes returns the upper-case hex SHA256 of raw.
func TxHashBytes(raw []byte) string {
	hash := sha256.Sum256(raw)
	return strings.ToUpper(hex.EncodeToString(hash[:]))
}
