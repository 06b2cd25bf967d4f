// Package registry provides the static model catalog for the Claude Gate API.
// The gateway does not probe the CLI for models; the catalog mirrors the model
// names the CLI accepts, and alias resolution maps client-supplied names onto
// catalog entries.
package registry

// ModelInfo represents information about an available model.
type ModelInfo struct {
	// ID is the unique identifier for the model.
	ID string `json:"id"`
	// Object type for the model (always "model").
	Object string `json:"object"`
	// Created timestamp for the model release.
	Created int64 `json:"created"`
	// OwnedBy indicates the organization that owns the model.
	OwnedBy string `json:"owned_by"`
	// DisplayName is the human-readable name for the model.
	DisplayName string `json:"display_name,omitempty"`
	// Aliases are additional names accepted for this model.
	Aliases []string `json:"-"`
}

// claudeModels is the catalog of models the CLI accepts, newest first.
var claudeModels = []*ModelInfo{
	{
		ID:          "claude-opus-4-1-20250805",
		Object:      "model",
		Created:     1722945600, // 2025-08-05
		OwnedBy:     "anthropic",
		DisplayName: "Claude 4.1 Opus",
		Aliases:     []string{"opus", "claude-opus-4-1"},
	},
	{
		ID:          "claude-opus-4-20250514",
		Object:      "model",
		Created:     1715644800, // 2025-05-14
		OwnedBy:     "anthropic",
		DisplayName: "Claude 4 Opus",
		Aliases:     []string{"claude-opus-4"},
	},
	{
		ID:          "claude-sonnet-4-20250514",
		Object:      "model",
		Created:     1715644800, // 2025-05-14
		OwnedBy:     "anthropic",
		DisplayName: "Claude 4 Sonnet",
		Aliases:     []string{"sonnet", "claude-sonnet-4"},
	},
	{
		ID:          "claude-3-7-sonnet-20250219",
		Object:      "model",
		Created:     1708300800, // 2025-02-19
		OwnedBy:     "anthropic",
		DisplayName: "Claude 3.7 Sonnet",
		Aliases:     []string{"claude-3-7-sonnet"},
	},
	{
		ID:          "claude-3-5-haiku-20241022",
		Object:      "model",
		Created:     1729555200, // 2024-10-22
		OwnedBy:     "anthropic",
		DisplayName: "Claude 3.5 Haiku",
		Aliases:     []string{"haiku", "claude-3-5-haiku"},
	},
}
