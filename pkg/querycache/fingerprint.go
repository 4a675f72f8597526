package querycache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// NormalizeQuery collapses every whitespace run to a single space and trims
// the ends, so formatting differences do not change the fingerprint.
func NormalizeQuery(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

type fingerprintInput struct {
	Q string        `json:"q"`
	P []interface{} `json:"p"`
}

// Fingerprint returns the sha256 hex digest of the canonical JSON encoding of
// the normalized query text and its parameters. Map parameters are encoded
// with sorted keys, so the value is stable across processes.
func Fingerprint(q Query) (string, error) {
	params := q.Params
	if params == nil {
		params = []interface{}{}
	}

	data, err := json.Marshal(fingerprintInput{Q: NormalizeQuery(q.Text), P: params})
	if err != nil {
		return "", &SerializationError{Op: "encode fingerprint", Err: err}
	}

	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}
