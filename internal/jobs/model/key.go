package model

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"

	"github.com/pkg/errors"
)

// SerializeJobKey returns the canonical fingerprint of a job submission: the fields encoded as
// compact JSON with map keys sorted at every level. Two maps with the same content always produce
// the same key regardless of how they were built.
func SerializeJobKey(fields map[string]any) (string, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	normalised, err := normalise(reflect.ValueOf(fields), "key")
	if err != nil {
		return "", err
	}

	// encoding/json writes map keys in sorted order
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(normalised); err != nil {
		return "", errors.WithStack(err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
