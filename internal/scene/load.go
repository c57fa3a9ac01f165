package scene

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed scene.schema.json
var schemaJSON []byte

//go:embed demo.yaml
var demoYAML []byte

const schemaURL = "https://scenecast.local/scene.schema.json"

var (
	ErrInvalidManifest = errors.New("scene: invalid manifest")
	ErrDuplicateID     = errors.New("scene: duplicate resource id")
	ErrUnknownRef      = errors.New("scene: unknown resource reference")
)

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile(schemaURL)
	})
	return schema, schemaErr
}

// Load reads and builds the manifest at path.
func Load(path string) (*Scene, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Demo returns the built-in scene.
func Demo() *Scene {
	s, err := Parse(demoYAML)
	if err != nil {
		panic(fmt.Sprintf("scene: built-in demo is invalid: %v", err))
	}
	return s
}

// Parse validates raw YAML against the manifest schema and builds it.
func Parse(raw []byte) (*Scene, error) {
	if err := Validate(raw); err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	return Build(m)
}

// Validate checks raw YAML against the embedded JSON schema. The document
// is round-tripped through JSON so the validator sees JSON types.
func Validate(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	js, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	var generic any
	if err := json.Unmarshal(js, &generic); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("scene: compile schema: %w", err)
	}
	if err := s.Validate(generic); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	return nil
}
