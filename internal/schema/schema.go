// Package schema compiles the JSON Schemas that upstream 2xx responses are
// validated against.
package schema

import (
	"bytes"
	"embed"
	"fmt"
	"path"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var files embed.FS

// Name identifies an embedded schema.
type Name string

const (
	EVMBalances        Name = "evm_balances"
	EVMTransactions    Name = "evm_transactions"
	EVMSupportedChains Name = "evm_supported_chains"
	SVMBalances        Name = "svm_balances"
	SVMTransactions    Name = "svm_transactions"
)

const baseURL = "https://chainproxy.local/schemas/"

// Schema is a compiled schema.
type Schema struct {
	name     Name
	compiled *jsonschema.Schema
}

// Name returns the schema's name, used as a metric label.
func (s *Schema) Name() Name { return s.name }

// Validate checks a decoded JSON value. A failure is a
// *jsonschema.ValidationError.
func (s *Schema) Validate(v any) error {
	return s.compiled.Validate(v)
}

// Compile compiles a schema from source.
func Compile(name Name, source []byte) (*Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := baseURL + string(name) + ".json"
	if err := c.AddResource(url, bytes.NewReader(source)); err != nil {
		return nil, fmt.Errorf("adding schema %s: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compiling schema %s: %w", name, err)
	}
	return &Schema{name: name, compiled: compiled}, nil
}

// Set holds every embedded schema.
type Set struct {
	schemas map[Name]*Schema
}

// Load compiles all embedded schemas.
func Load() (*Set, error) {
	entries, err := files.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	set := &Set{schemas: make(map[Name]*Schema, len(entries))}
	for _, e := range entries {
		data, err := files.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, err
		}
		name := Name(e.Name()[:len(e.Name())-len(path.Ext(e.Name()))])
		s, err := Compile(name, data)
		if err != nil {
			return nil, err
		}
		set.schemas[name] = s
	}
	return set, nil
}

// MustLoad is Load that panics. The schemas are embedded, so a failure is a
// build defect.
func MustLoad() *Set {
	s, err := Load()
	if err != nil {
		panic(err)
	}
	return s
}

// Get returns the named schema.
func (s *Set) Get(name Name) (*Schema, bool) {
	sc, ok := s.schemas[name]
	return sc, ok
}

// Names returns the loaded schema names, sorted.
func (s *Set) Names() []Name {
	out := make([]Name, 0, len(s.schemas))
	for n := range s.schemas {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
