package classify

import (
	"fmt"
	"strconv"

	"github.com/itchyny/gojq"
)

// Lift extracts one typed identifier from a response payload with a jq
// expression, e.g. ".stack.id".
type Lift struct {
	Name     string
	Expr     string
	Optional bool
}

type compiledLift struct {
	Lift
	code *gojq.Code
}

// Schema is the expected shape of a successful response payload. A nil
// Schema accepts any JSON object.
type Schema struct {
	name     string
	required []string
	lifts    []compiledLift
}

// NewSchema compiles the lift expressions up front so syntax errors surface
// at construction rather than while classifying a live response.
func NewSchema(name string, required []string, lifts ...Lift) (*Schema, error) {
	s := &Schema{name: name, required: required}
	for _, l := range lifts {
		parsed, err := gojq.Parse(l.Expr)
		if err != nil {
			return nil, fmt.Errorf("schema %q: invalid expression %q for %q: %w", name, l.Expr, l.Name, err)
		}
		code, err := gojq.Compile(parsed)
		if err != nil {
			return nil, fmt.Errorf("schema %q: failed to compile expression %q for %q: %w", name, l.Expr, l.Name, err)
		}
		s.lifts = append(s.lifts, compiledLift{Lift: l, code: code})
	}
	return s, nil
}

// MustSchema is NewSchema for package-level schemas with constant expressions.
func MustSchema(name string, required []string, lifts ...Lift) *Schema {
	s, err := NewSchema(name, required, lifts...)
	if err != nil {
		panic(err)
	}
	return s
}

// Name returns the schema name.
func (s *Schema) Name() string { return s.name }

// empty reports whether the schema imposes no constraints.
func (s *Schema) empty() bool {
	return s == nil || (len(s.required) == 0 && len(s.lifts) == 0)
}

// apply checks required keys and runs every lift against payload.
func (s *Schema) apply(payload map[string]any) (map[string]string, error) {
	if s == nil {
		return nil, nil
	}
	for _, key := range s.required {
		if _, ok := payload[key]; !ok {
			return nil, fmt.Errorf("schema %q: missing required field %q", s.name, key)
		}
	}
	ids := make(map[string]string, len(s.lifts))
	for _, l := range s.lifts {
		v, err := l.run(payload)
		if err != nil {
			return nil, fmt.Errorf("schema %q: lift %q: %w", s.name, l.Name, err)
		}
		if v == "" {
			if l.Optional {
				continue
			}
			return nil, fmt.Errorf("schema %q: lift %q: expression %q produced no value", s.name, l.Name, l.Expr)
		}
		ids[l.Name] = v
	}
	return ids, nil
}

func (l compiledLift) run(payload map[string]any) (string, error) {
	iter := l.code.Run(payload)
	v, ok := iter.Next()
	if !ok {
		return "", nil
	}
	if err, isErr := v.(error); isErr {
		return "", fmt.Errorf("expression error: %w", err)
	}
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case int:
		return strconv.Itoa(x), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("expression %q produced %T, want string or number", l.Expr, v)
	}
}
