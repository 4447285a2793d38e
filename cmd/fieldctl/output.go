package main

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

const (
	outputJSON = "json"
	outputYAML = "yaml"
)

func (o *options) validate() error {
	switch o.output {
	case outputJSON, outputYAML:
	default:
		return fmt.Errorf("unknown output format %q (want json or yaml)", o.output)
	}
	if o.server == "" {
		return fmt.Errorf("--server cannot be empty")
	}
	return nil
}

// render writes v in the selected format. YAML output keeps the JSON field
// names by round-tripping through a generic value.
func render(w io.Writer, format string, v any) error {
	switch format {
	case outputYAML:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode output: %w", err)
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return fmt.Errorf("failed to encode output: %w", err)
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return fmt.Errorf("failed to encode output: %w", err)
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
}
