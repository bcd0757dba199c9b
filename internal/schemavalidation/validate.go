// Package schemavalidation checks outbound documents against the embedded
// JSON schemas before they leave the device.
package schemavalidation

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema names.
const (
	Report     = "report-v1.schema.json"
	Submission = "submission-v1.schema.json"
)

const baseURL = "https://examguard.local/schema/"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("schemavalidation: document does not match schema")

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	compileOnce sync.Once
	compiled    map[string]*jsonschema.Schema
	compileErr  error
)

func compile() {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	compiler.AssertFormat = true

	names := []string{Report, Submission}
	for _, name := range names {
		data, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			compileErr = fmt.Errorf("read schema %s: %w", name, err)
			return
		}
		if err := compiler.AddResource(baseURL+name, bytes.NewReader(data)); err != nil {
			compileErr = fmt.Errorf("add schema resource %s: %w", name, err)
			return
		}
	}

	compiled = make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		s, err := compiler.Compile(baseURL + name)
		if err != nil {
			compileErr = fmt.Errorf("compile schema %s: %w", name, err)
			return
		}
		compiled[name] = s
	}
}

// Raw returns the embedded schema text.
func Raw(name string) ([]byte, error) {
	return schemaFS.ReadFile("schemas/" + name)
}

// Validate checks the JSON document doc against the named schema.
func Validate(name string, doc []byte) error {
	compileOnce.Do(compile)
	if compileErr != nil {
		return compileErr
	}
	s, ok := compiled[name]
	if !ok {
		return fmt.Errorf("schemavalidation: unknown schema %q", name)
	}

	var instance any
	if err := json.Unmarshal(doc, &instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := s.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
