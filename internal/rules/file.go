package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// fileRecipe is the on-disk form of a Recipe. JSON files parse through the
// same decoder since JSON is valid YAML.
type fileRecipe struct {
	Kind      string   `yaml:"kind"`
	Asset     string   `yaml:"asset"`
	Rotate    []string `yaml:"rotate"`
	MessageMs int      `yaml:"messageMs"`
	GraphicMs int      `yaml:"graphicMs"`
	Countdown int      `yaml:"countdown"`
}

type fileTable struct {
	Recipes []fileRecipe `yaml:"recipes"`
}

// Parse decodes a rule file. Unknown fields are rejected.
func Parse(data []byte) (*Table, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var ft fileTable
	if err := dec.Decode(&ft); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty file", ErrInvalid)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(ft.Recipes) == 0 {
		return nil, fmt.Errorf("%w: no recipes", ErrInvalid)
	}

	recipes := make([]Recipe, 0, len(ft.Recipes))
	for _, fr := range ft.Recipes {
		r := Recipe{
			Kind:            fr.Kind,
			Asset:           Asset{Fixed: fr.Asset, Rotate: fr.Rotate},
			MessageDuration: time.Duration(fr.MessageMs) * time.Millisecond,
			GraphicDuration: time.Duration(fr.GraphicMs) * time.Millisecond,
		}
		if fr.Countdown != 0 {
			r.Countdown = &Countdown{Seconds: fr.Countdown}
		}
		recipes = append(recipes, r)
	}
	return NewTable(recipes...)
}

// LoadFile reads and parses the rule file at path.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	return Parse(data)
}
