// Package schema is the validation gate in front of the collect pipeline:
// the envelope schema every beacon must satisfy, plus per-event-type
// payload schemas loaded from a directory. Nothing downstream runs until
// both stages pass.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
)

//go:embed collect_endpoint.json
var collectEndpointSchema string

// ValidationError carries the 422 response body: a message and, when the
// validator produced them, per-field error strings.
type ValidationError struct {
	Message string
	Errors  []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Message, strings.Join(e.Errors, "; "))
}

// Registry holds the compiled envelope schema and any registered payload
// schemas, keyed by event type.
type Registry struct {
	envelope *jsonschema.Schema
	payloads map[string]*jsonschema.Schema
	logger   *zap.Logger
}

// NewRegistry compiles the embedded envelope schema and, when dir is
// non-empty, every *.json file in dir as a payload schema registered under
// the file's base name (click.json -> "click").
func NewRegistry(dir string, logger *zap.Logger) (*Registry, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("collect_endpoint.json", strings.NewReader(collectEndpointSchema)); err != nil {
		return nil, fmt.Errorf("failed to add envelope schema: %w", err)
	}
	envelope, err := compiler.Compile("collect_endpoint.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile envelope schema: %w", err)
	}

	r := &Registry{
		envelope: envelope,
		payloads: make(map[string]*jsonschema.Schema),
		logger:   logger,
	}

	if dir != "" {
		if err := r.loadPayloadSchemas(dir); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) loadPayloadSchemas(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Warn("payload schema directory missing", zap.String("dir", dir))
			return nil
		}
		return fmt.Errorf("failed to read schema dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".json")
		path := filepath.Join(dir, entry.Name())

		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read schema %s: %w", path, err)
		}

		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(entry.Name(), bytes.NewReader(raw)); err != nil {
			return fmt.Errorf("failed to add schema %s: %w", path, err)
		}
		compiled, err := compiler.Compile(entry.Name())
		if err != nil {
			return fmt.Errorf("failed to compile schema %s: %w", path, err)
		}

		r.payloads[name] = compiled
		r.logger.Info("payload schema registered", zap.String("type", name))
	}
	return nil
}

// Register adds a payload schema for an event type from raw JSON.
func (r *Registry) Register(eventType string, raw []byte) error {
	compiler := jsonschema.NewCompiler()
	resource := eventType + ".json"
	if err := compiler.AddResource(resource, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("failed to add schema for %s: %w", eventType, err)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", eventType, err)
	}
	r.payloads[eventType] = compiled
	return nil
}

// ValidateEnvelope checks the raw request body against the collect
// endpoint schema. A non-nil return is always a *ValidationError.
func (r *Registry) ValidateEnvelope(body []byte) error {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return &ValidationError{
			Message: "Schema validation error",
			Errors:  []string{"request body is not valid JSON"},
		}
	}
	if err := r.envelope.Validate(doc); err != nil {
		return toValidationError(err)
	}
	return nil
}

// ValidatePayload checks an event payload against the schema registered
// for its type. An unregistered type is a client error naming the missing
// schema.
func (r *Registry) ValidatePayload(eventType string, payload []byte) error {
	compiled, ok := r.payloads[eventType]
	if !ok {
		return &ValidationError{Message: fmt.Sprintf("Schema '%s' not found", eventType)}
	}

	var doc any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &doc); err != nil {
			return &ValidationError{
				Message: "Schema validation error",
				Errors:  []string{"payload is not valid JSON"},
			}
		}
	}
	if err := compiled.Validate(doc); err != nil {
		return toValidationError(err)
	}
	return nil
}

func toValidationError(err error) *ValidationError {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return &ValidationError{Message: "Schema validation error", Errors: []string{err.Error()}}
	}
	return &ValidationError{
		Message: "Schema validation error",
		Errors:  flatten(ve),
	}
}

// flatten walks the validator's cause tree into flat "location: message"
// strings for the response body.
func flatten(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		location := ve.InstanceLocation
		if location == "" {
			location = "/"
		}
		return []string{fmt.Sprintf("%s: %s", location, ve.Message)}
	}
	var out []string
	for _, cause := range ve.Causes {
		out = append(out, flatten(cause)...)
	}
	return out
}
