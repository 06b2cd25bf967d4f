package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SaveConfigPreserveComments writes cfg back to configFile, carrying over the
// comments of the existing file so that management edits do not destroy
// operator annotations.
func SaveConfigPreserveComments(configFile string, cfg *Config) error {
	fresh, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	var newDoc yaml.Node
	if err = yaml.Unmarshal(fresh, &newDoc); err != nil {
		return fmt.Errorf("failed to rebuild config document: %w", err)
	}

	if existing, readErr := os.ReadFile(configFile); readErr == nil {
		var oldDoc yaml.Node
		if err = yaml.Unmarshal(existing, &oldDoc); err == nil {
			mergeComments(&oldDoc, &newDoc)
		}
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err = enc.Encode(&newDoc); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err = enc.Close(); err != nil {
		return fmt.Errorf("failed to finish config encoding: %w", err)
	}

	if err = os.WriteFile(configFile, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// mergeComments copies comments from the old document tree onto matching nodes
// of the new one. Mapping entries are matched by key; everything else by
// position.
func mergeComments(old, updated *yaml.Node) {
	if old == nil || updated == nil {
		return
	}
	updated.HeadComment = old.HeadComment
	updated.LineComment = old.LineComment
	updated.FootComment = old.FootComment

	switch {
	case old.Kind == yaml.DocumentNode && updated.Kind == yaml.DocumentNode:
		if len(old.Content) > 0 && len(updated.Content) > 0 {
			mergeComments(old.Content[0], updated.Content[0])
		}
	case old.Kind == yaml.MappingNode && updated.Kind == yaml.MappingNode:
		for i := 0; i+1 < len(updated.Content); i += 2 {
			key := updated.Content[i]
			for j := 0; j+1 < len(old.Content); j += 2 {
				if old.Content[j].Value != key.Value {
					continue
				}
				mergeComments(old.Content[j], key)
				mergeComments(old.Content[j+1], updated.Content[i+1])
				break
			}
		}
	case old.Kind == yaml.SequenceNode && updated.Kind == yaml.SequenceNode:
		for i := range updated.Content {
			if i < len(old.Content) {
				mergeComments(old.Content[i], updated.Content[i])
			}
		}
	}
}
