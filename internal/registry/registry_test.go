package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveAliases(t *testing.T) {
	cases := map[string]string{
		"opus":                      "claude-opus-4-1-20250805",
		"sonnet":                    "claude-sonnet-4-20250514",
		"haiku":                     "claude-3-5-haiku-20241022",
		"OPUS":                      "claude-opus-4-1-20250805",
		"claude-sonnet-4":           "claude-sonnet-4-20250514",
		"claude-3-7-sonnet":         "claude-3-7-sonnet-20250219",
		"claude-opus-4-1-20250805":  "claude-opus-4-1-20250805",
		"claude-3-5-haiku-20241022": "claude-3-5-haiku-20241022",
	}
	for in, want := range cases {
		got, ok := Resolve(in)
		require.True(t, ok, "Resolve(%q)", in)
		require.Equal(t, want, got, "Resolve(%q)", in)
	}
}

func TestResolveEmptyDefersToCLI(t *testing.T) {
	got, ok := Resolve("")
	require.True(t, ok)
	require.Empty(t, got)
}

func TestResolveUnknown(t *testing.T) {
	for _, name := range []string{"gpt-4o", "gemini-2.5-pro", "claude", "turbo"} {
		_, ok := Resolve(name)
		require.False(t, ok, "Resolve(%q) should fail", name)
	}
}

func TestResolveDatedVariantPassthrough(t *testing.T) {
	got, ok := Resolve("claude-3-5-haiku-20260101")
	require.True(t, ok)
	require.Equal(t, "claude-3-5-haiku-20260101", got)
}

func TestAvailableModels(t *testing.T) {
	models := AvailableModels()
	require.Len(t, models, len(Models()))
	for _, m := range models {
		require.Equal(t, "model", m["object"])
		require.Equal(t, "anthropic", m["owned_by"])
		require.NotEmpty(t, m["id"])
	}
}
