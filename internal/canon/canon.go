// Package canon derives the canonical key that correlates a guest
// interception call with its resolved result.
//
// Keys are the RFC 8785 (JSON Canonicalization Scheme) encoding of
// {"options": ..., "target": ...}: object keys sorted at every level, no
// insignificant whitespace, numbers in their shortest round-trip form. The
// same Encode function must be used when deduplicating traced calls and when
// looking results up during replay.
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Key is the canonical identifier of one (target, options) pair.
type Key string

// Call is one guest interception call: a target plus JSON-compatible
// options (method, headers, body, ...).
type Call struct {
	Target  string         `json:"target"`
	Options map[string]any `json:"options"`
}

// Key returns the canonical key of c.
func (c Call) Key() (Key, error) {
	return Encode(c.Target, c.Options)
}

// Encode returns the canonical key for target and options. A nil options map
// encodes the same as an empty one.
func Encode(target string, options map[string]any) (Key, error) {
	if options == nil {
		options = map[string]any{}
	}

	raw, err := json.Marshal(Call{Target: target, Options: options})
	if err != nil {
		return "", fmt.Errorf("marshaling call: %w", err)
	}

	out, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalizing call: %w", err)
	}
	return Key(out), nil
}

// Short returns a 12 character digest of the key, suitable for log fields.
func (k Key) Short() string {
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:])[:12]
}
