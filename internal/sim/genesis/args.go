package genesis

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validation modes.
const (
	ValidateNone   = "none"
	ValidateWarn   = "warn"
	ValidateStrict = "strict"
)

// mapArgs binds positional args to parameter names and merges kwargs over
// them. More positional args than parameters passes them through as
// {"args": [...]}.
func mapArgs(m *Method, args []any, kwargs map[string]any) map[string]any {
	out := map[string]any{}
	params := m.positional()
	if len(args) > len(params) {
		out["args"] = args
	} else {
		for i, v := range args {
			out[params[i].Name] = v
		}
	}
	for k, v := range kwargs {
		out[k] = v
	}
	return out
}

// coerceArgs converts numeric- or boolean-looking strings for parameters
// declared with those types. Values that do not parse are left alone.
func coerceArgs(m *Method, args map[string]any) {
	for _, p := range m.Params {
		s, ok := args[p.Name].(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		switch p.Type {
		case TypeInteger:
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				args[p.Name] = n
			} else if f, err := strconv.ParseFloat(s, 64); err == nil && f == math.Trunc(f) {
				args[p.Name] = int64(f)
			}
		case TypeNumber:
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				args[p.Name] = f
			}
		case TypeBoolean:
			if b, err := strconv.ParseBool(s); err == nil {
				args[p.Name] = b
			}
		}
	}
}

// validateArgs checks args against the method schema. The instance is
// normalised through JSON first so Go integer types validate like JSON
// numbers.
func validateArgs(m *Method, args map[string]any) error {
	if m.schema == nil {
		return nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("arguments are not JSON encodable: %w", err)
	}
	var inst any
	if err := json.Unmarshal(b, &inst); err != nil {
		return err
	}
	if err := m.schema.Validate(inst); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return errors.New(strings.Join(leafMessages(ve), "; "))
		}
		return err
	}
	return nil
}

func leafMessages(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{loc + ": " + ve.Message}
	}
	var out []string
	for _, c := range ve.Causes {
		out = append(out, leafMessages(c)...)
	}
	return out
}

// Argument accessors used by handlers. They accept the loose shapes that
// survive JSON decoding and coercion.

func argString(args map[string]any, name string) (string, bool) {
	switch v := args[name].(type) {
	case string:
		return v, true
	case nil:
		return "", false
	default:
		return fmt.Sprint(v), true
	}
}

func argInt(args map[string]any, name string) (int64, bool) {
	switch v := args[name].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func argFloat(args map[string]any, name string) (float64, bool) {
	switch v := args[name].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func argList(args map[string]any, name string) ([]any, bool) {
	switch v := args[name].(type) {
	case []any:
		return v, true
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}
