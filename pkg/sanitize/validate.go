// Package sanitize validates and deep-cleans untrusted action input
// before it reaches the continuity kernel. Sanitization is defense in
// depth: fixed-pattern stripping plus HTML escaping, not a parser-based
// guarantee.
package sanitize

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/carapace-labs/carapace/pkg/contracts"
)

// ErrInvalid marks all validation failures.
var ErrInvalid = errors.New("sanitize: invalid action")

// MaxTypeLength bounds the action type string.
const MaxTypeLength = 100

// Validator performs structural validation of actions, optionally
// extended with per-type JSON Schemas over the payload.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator creates a validator with no payload schemas registered.
func NewValidator() *Validator {
	return &Validator{schemas: make(map[string]*jsonschema.Schema)}
}

// AddPayloadSchema registers a JSON Schema for payloads of the given
// action type. An empty schema string removes the registration.
func (v *Validator) AddPayloadSchema(actionType, schema string) error {
	if schema == "" {
		delete(v.schemas, actionType)
		return nil
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://carapace.schemas.local/actions/%s.schema.json", actionType)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("sanitize: schema load for %s: %w", actionType, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("sanitize: schema compile for %s: %w", actionType, err)
	}
	v.schemas[actionType] = compiled
	return nil
}

// Validate rejects malformed actions: missing or oversized type, risk
// outside [0,1], or a payload violating the type's registered schema.
func (v *Validator) Validate(action contracts.Action) error {
	if action.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalid)
	}
	if utf8.RuneCountInString(action.Type) > MaxTypeLength {
		return fmt.Errorf("%w: type exceeds %d characters", ErrInvalid, MaxTypeLength)
	}
	if action.Risk != nil {
		r := *action.Risk
		if r != r { // NaN
			return fmt.Errorf("%w: risk is not a number", ErrInvalid)
		}
		if r < 0 || r > 1 {
			return fmt.Errorf("%w: risk %v outside [0,1]", ErrInvalid, r)
		}
	}

	if schema, ok := v.schemas[action.Type]; ok {
		payload := any(action.Payload)
		if action.Payload == nil {
			payload = map[string]any{}
		}
		if err := schema.Validate(normalize(payload)); err != nil {
			return fmt.Errorf("%w: payload schema: %v", ErrInvalid, err)
		}
	}
	return nil
}

// normalize converts Go values into the shapes jsonschema expects
// (e.g. ints become float64, as if decoded from JSON).
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return val
	}
}
