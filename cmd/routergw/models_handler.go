package main

import (
	"github.com/routergw/router/internal/registry"
)

// EnrichedModelInfo extends the minimal OpenAI ModelInfo schema with model
// catalog metadata. The extra fields are omitempty so the response stays
// backward-compatible for clients that only read id/object/owned_by.
type EnrichedModelInfo struct {
	ID              string   `json:"id"`
	Object          string   `json:"object"` // always "model"
	OwnedBy         string   `json:"owned_by"`
	Type            string   `json:"type,omitempty"`
	Speed           string   `json:"speed,omitempty"`
	ContextWindow   int      `json:"context_window,omitempty"`
	MaxOutputTokens int      `json:"max_output_tokens,omitempty"`
	Capabilities    []string `json:"capabilities,omitempty"`
	Available       bool     `json:"available"`
}

// enrichFromRegistry builds an EnrichedModelInfo from the loaded model
// registry entry.
func enrichFromRegistry(m registry.ModelDefinition) EnrichedModelInfo {
	return EnrichedModelInfo{
		ID:              m.QualifiedName(),
		Object:          "model",
		OwnedBy:         m.Provider,
		Type:            string(m.Type),
		Speed:           string(m.Speed),
		ContextWindow:   m.ContextSize,
		MaxOutputTokens: m.MaxOutputTokens,
		Capabilities:    buildCapsList(m),
		Available:       m.Available,
	}
}

// buildCapsList converts a ModelDefinition's capability flags to a string
// slice so the JSON response lists capabilities without requiring the client
// to know the full struct schema.
func buildCapsList(m registry.ModelDefinition) []string {
	var caps []string
	if m.SupportsVision {
		caps = append(caps, "vision")
	}
	if m.SupportsImage {
		caps = append(caps, "image")
	}
	if m.SupportsVideo {
		caps = append(caps, "video")
	}
	if m.SupportsAudio {
		caps = append(caps, "audio")
	}
	if m.SupportsFile {
		caps = append(caps, "file")
	}
	if m.SupportsTools {
		caps = append(caps, "tools")
	}
	if m.JSONResponse {
		caps = append(caps, "json_response")
	}
	return caps
}
