package registry

import "strings"

// Models returns the catalog, newest first.
func Models() []*ModelInfo {
	out := make([]*ModelInfo, len(claudeModels))
	copy(out, claudeModels)
	return out
}

// Resolve maps a client-supplied model name onto a catalog ID. Names are
// lowercased; catalog IDs, aliases and undated prefixes of catalog IDs are
// accepted. The empty name resolves to the empty string, leaving model choice
// to the CLI. The boolean is false when the name matches nothing.
func Resolve(name string) (string, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", true
	}
	for _, m := range claudeModels {
		if name == m.ID {
			return m.ID, true
		}
		for _, alias := range m.Aliases {
			if name == alias {
				return m.ID, true
			}
		}
	}
	// Dated variants the catalog does not list yet still route through when
	// they extend a known undated alias, e.g. claude-3-5-haiku-20250101.
	for _, m := range claudeModels {
		for _, alias := range m.Aliases {
			if len(alias) > len("haiku") && strings.HasPrefix(name, alias+"-") {
				return name, true
			}
		}
	}
	return "", false
}

// AvailableModels renders the catalog as OpenAI-style model objects.
func AvailableModels() []map[string]any {
	models := make([]map[string]any, 0, len(claudeModels))
	for _, m := range claudeModels {
		models = append(models, map[string]any{
			"id":           m.ID,
			"object":       m.Object,
			"created":      m.Created,
			"owned_by":     m.OwnedBy,
			"display_name": m.DisplayName,
		})
	}
	return models
}
