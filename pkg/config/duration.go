package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from YAML as either a Go
// duration string ("5m", "1h30m") or a bare number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var asSeconds float64
	if err := node.Decode(&asSeconds); err == nil {
		*d = Duration(asSeconds * float64(time.Second))
		return nil
	}

	var asString string
	if err := node.Decode(&asString); err == nil {
		parsed, err := time.ParseDuration(asString)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", asString, err)
		}
		*d = Duration(parsed)
		return nil
	}
	return fmt.Errorf("config: line %d: invalid duration", node.Line)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library form.
func (d Duration) Std() time.Duration { return time.Duration(d) }
