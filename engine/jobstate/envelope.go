package jobstate

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/certa-labs/certa/engine/compliance"
)

// SchemaVersion is the version written into every result envelope.
const SchemaVersion = 1

// ErrUnsupportedSchema is returned for envelopes written by a newer release.
var ErrUnsupportedSchema = errors.New("jobstate: unsupported result schema version")

// Results maps policy titles to their outcomes.
type Results map[string]compliance.PolicyOutcome

type envelope struct {
	SchemaVersion int     `json:"schemaVersion"`
	Data          Results `json:"data"`
}

// EncodeResults wraps results in a versioned envelope.
func EncodeResults(results Results) (string, error) {
	if results == nil {
		results = Results{}
	}
	raw, err := json.Marshal(envelope{SchemaVersion: SchemaVersion, Data: results})
	if err != nil {
		return "", fmt.Errorf("jobstate: encode results: %w", err)
	}
	return string(raw), nil
}

// DecodeResults reads an envelope or a bare legacy map. Empty input yields nil.
func DecodeResults(raw string) (Results, error) {
	if raw == "" {
		return nil, nil
	}
	var head map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &head); err != nil {
		return nil, fmt.Errorf("jobstate: decode results: %w", err)
	}
	version, versioned := head["schemaVersion"]
	if !versioned {
		var legacy Results
		if err := json.Unmarshal([]byte(raw), &legacy); err != nil {
			return nil, fmt.Errorf("jobstate: decode legacy results: %w", err)
		}
		return legacy, nil
	}
	var v int
	if err := json.Unmarshal(version, &v); err != nil {
		return nil, fmt.Errorf("jobstate: decode schema version: %w", err)
	}
	if v > SchemaVersion || v < 1 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedSchema, v)
	}
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("jobstate: decode results: %w", err)
	}
	if env.Data == nil {
		env.Data = Results{}
	}
	return env.Data, nil
}
