package decision

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator validates a decoded artifact document against a named schema.
// Distinct schema ids let each phase's output contract be registered once
// and reused across every task that produces that kind of artifact.
type Validator interface {
	// Register compiles and caches schemaBytes under schemaID. Calling it
	// twice with the same id and equal bytes is a no-op; different bytes
	// under an already-registered id is an error — a registered schema
	// is never replaced.
	Register(schemaID string, schemaBytes []byte) error
	// Validate checks artifact against the schema registered under
	// schemaID and returns the validator's error messages (possibly
	// several, one per violated constraint) on failure.
	Validate(schemaID string, artifact map[string]any) []string
}

// JSONSchemaValidator wraps github.com/santhosh-tekuri/jsonschema/v6 to check
// agent output payloads against a caller-declared schema.
type JSONSchemaValidator struct {
	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
	raw     map[string]string
}

// NewJSONSchemaValidator returns an empty validator; schemas are added via
// Register.
func NewJSONSchemaValidator() *JSONSchemaValidator {
	return &JSONSchemaValidator{
		schemas: make(map[string]*jsonschema.Schema),
		raw:     make(map[string]string),
	}
}

func (v *JSONSchemaValidator) Register(schemaID string, schemaBytes []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if existing, ok := v.raw[schemaID]; ok {
		if existing == string(schemaBytes) {
			return nil
		}
		return fmt.Errorf("decision: schema %q already registered with different content", schemaID)
	}

	var doc any
	if err := json.Unmarshal(schemaBytes, &doc); err != nil {
		return fmt.Errorf("decision: unmarshal schema %q: %w", schemaID, err)
	}

	c := jsonschema.NewCompiler()
	resourceURL := schemaID + ".json"
	if err := c.AddResource(resourceURL, doc); err != nil {
		return fmt.Errorf("decision: add schema resource %q: %w", schemaID, err)
	}
	compiled, err := c.Compile(resourceURL)
	if err != nil {
		return fmt.Errorf("decision: compile schema %q: %w", schemaID, err)
	}

	v.schemas[schemaID] = compiled
	v.raw[schemaID] = string(schemaBytes)
	return nil
}

func (v *JSONSchemaValidator) Validate(schemaID string, artifact map[string]any) []string {
	v.mu.Lock()
	schema, ok := v.schemas[schemaID]
	v.mu.Unlock()
	if !ok {
		return []string{fmt.Sprintf("no schema registered for id %q", schemaID)}
	}

	if err := schema.Validate(artifact); err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			return flattenValidationError(ve)
		}
		return []string{err.Error()}
	}
	return nil
}

// flattenValidationError walks a jsonschema.ValidationError's Causes tree
// and returns one message per leaf, so a Result Handler can surface every
// violated constraint instead of only the outermost wrapper.
func flattenValidationError(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		return []string{ve.Error()}
	}
	var msgs []string
	for _, cause := range ve.Causes {
		msgs = append(msgs, flattenValidationError(cause)...)
	}
	return msgs
}

var _ Validator = (*JSONSchemaValidator)(nil)
