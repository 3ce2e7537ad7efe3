package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with the built-in config schema.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema(ConfigSchemaName, builtinConfigSchema); err != nil {
		panic(err)
	}

	return sr
}

// ConfigSchemaName is the registry name of the fieldtest.yaml schema.
const ConfigSchemaName = "config"

// RegisterSchema registers a CUE schema with the given name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Validate checks data against the definition def of the named schema.
func (sr *SchemaRegistry) Validate(schemaName, def string, data interface{}) error {
	// A cue.Context is not safe for concurrent use.
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[schemaName]
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	definition := schema.LookupPath(cue.ParsePath(def))
	if !definition.Exists() {
		return fmt.Errorf("definition %s not found in schema %s", def, schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := definition.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ValidateConfig checks a decoded fieldtest.yaml document.
func (sr *SchemaRegistry) ValidateConfig(doc map[string]interface{}) error {
	return sr.Validate(ConfigSchemaName, "#Config", doc)
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinConfigSchema = `
#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))+$"

#Retry: {
	count?:     int & >=0
	factor?:    number & >=1
	jitter?:    bool
	min_delay?: #Duration
	max_delay?: #Duration
}

#Project: {
	// name doubles as the FIELDTEST_<NAME>_ env prefix
	name: string & =~"^[A-Za-z0-9_-]+$"

	// test_ignore entries are full test names
	test_ignore?: [...string & =~"^.+::.+$"]

	retry?: #Retry

	// any other key is project data
	...
}

#Config: {
	projects?: [...#Project]

	tui?: {
		payload?: {
			color_theme?: string
		}
	}
}
`
