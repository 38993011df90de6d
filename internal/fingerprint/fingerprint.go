// Package fingerprint derives stable content identifiers for event payloads.
//
// Payloads are encoded as RFC 8785 canonical JSON (object keys sorted
// recursively, arrays in order, no insignificant whitespace) and hashed with
// SHA-256, so two payloads that differ only in key order share an identifier.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// EventIDPrefix is prepended to outbox record identifiers.
const EventIDPrefix = "evt_"

// Canonical returns the canonical JSON encoding of v.
func Canonical(v any) ([]byte, error) {
	var data []byte
	switch raw := v.(type) {
	case json.RawMessage:
		data = raw
	case []byte:
		data = raw
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding value: %w", err)
		}
		data = encoded
	}

	canonical, err := jcs.Transform(data)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing value: %w", err)
	}
	return canonical, nil
}

// Of returns the hex SHA-256 digest of v's canonical encoding. It never
// fails; values that cannot be encoded as JSON are digested from their Go
// representation instead.
func Of(v any) string {
	data, err := Canonical(v)
	if err != nil {
		data = []byte(fmt.Sprintf("%#v", v))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// EventID returns the outbox identifier for v.
func EventID(v any) string {
	return EventIDPrefix + Of(v)[:32]
}
