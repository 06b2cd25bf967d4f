// Package constant defines surface name constants used throughout the Claude
// Gate API. These constants identify the protocol surfaces a request arrived
// on, ensuring consistent naming across handlers, logs and usage statistics.
package constant

const (
	// Direct represents the native gateway surface identifier.
	Direct = "direct"

	// OpenAI represents the OpenAI-compatible chat completions surface identifier.
	OpenAI = "openai"

	// Claude represents the Anthropic-compatible messages surface identifier.
	Claude = "claude"

	// Management represents the management surface identifier.
	Management = "management"
)
