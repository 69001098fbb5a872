package session

import (
	"context"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ExportFormat selects the transcript serialization format.
type ExportFormat string

const (
	ExportJSON ExportFormat = "json"
	ExportYAML ExportFormat = "yaml"
)

// Transcript is the exported form of a session: its metadata plus the full
// ordered turn list.
type Transcript struct {
	Session *Session `json:"session" yaml:"session"`
	Turns   []*Turn  `json:"turns" yaml:"turns"`
}

// Export serializes the full ordered turn list plus session metadata. It is
// read-only and has no side effects on the store.
func Export(ctx context.Context, store Store, sessionID string, format ExportFormat) ([]byte, error) {
	sess, err := store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	turns, err := store.Turns(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	transcript := Transcript{Session: sess, Turns: turns}

	switch format {
	case ExportJSON, "":
		out, err := json.MarshalIndent(transcript, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal transcript: %w", err)
		}
		return out, nil
	case ExportYAML:
		out, err := yaml.Marshal(transcript)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal transcript: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported export format: %s (supported: json, yaml)", format)
	}
}
