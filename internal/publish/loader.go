package publish

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type batchFile struct {
	Items []Item `yaml:"items"`
}

// LoadItems reads a batch file. YAML and JSON are both accepted, either as
// a bare list of items or as a document with an "items" key.
func LoadItems(path string) ([]Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch file: %w", err)
	}
	return ParseItems(data)
}

// ParseItems decodes batch file contents
func ParseItems(data []byte) ([]Item, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var items []Item
	if trimmed[0] == '[' || trimmed[0] == '-' {
		if err := yaml.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("failed to parse batch: %w", err)
		}
	} else {
		var doc batchFile
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse batch: %w", err)
		}
		items = doc.Items
	}

	for i, it := range items {
		if it.Content == "" {
			return nil, fmt.Errorf("batch item %d (%s): %w", i, it.ItemID(), ErrEmptyContent)
		}
	}
	return items, nil
}
