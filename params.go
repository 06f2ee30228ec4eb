package backfila

import (
	"fmt"
	"strconv"
)

// MaxParameterValueSize is the largest accepted parameter value, in bytes.
const MaxParameterValueSize = 1000

// ParameterCodec converts a typed parameter struct to and from the wire parameter map.
type ParameterCodec[P any] struct {
	fields []ParameterField[P]
}

// ParameterField binds one named parameter to a field of P.
type ParameterField[P any] struct {
	Name   string
	encode func(P) ([]byte, bool)
	decode func(*P, []byte) error
}

// NewParameterCodec builds a codec out of field bindings.
func NewParameterCodec[P any](fields ...ParameterField[P]) *ParameterCodec[P] {
	return &ParameterCodec[P]{fields: fields}
}

// Names returns the parameter names in declaration order, as published to ConfigureService.
func (c *ParameterCodec[P]) Names() []string {
	names := make([]string, len(c.fields))
	for i, f := range c.fields {
		names[i] = f.Name
	}
	return names
}

// Encode renders params as a wire map. Unset optional fields are omitted.
func (c *ParameterCodec[P]) Encode(params P) map[string][]byte {
	out := make(map[string][]byte, len(c.fields))
	for _, f := range c.fields {
		if value, ok := f.encode(params); ok {
			out[f.Name] = value
		}
	}
	return out
}

// Decode fills a P from a wire map. Missing parameters keep their zero value.
func (c *ParameterCodec[P]) Decode(parameters map[string][]byte) (P, error) {
	var params P
	for _, f := range c.fields {
		value, ok := parameters[f.Name]
		if !ok {
			continue
		}
		if err := f.decode(&params, value); err != nil {
			return params, &ValidationError{Message: fmt.Sprintf("parameter %s is invalid", f.Name), Cause: err}
		}
	}
	return params, nil
}

// StringParameter binds a string field.
func StringParameter[P any](name string, get func(P) string, set func(*P, string)) ParameterField[P] {
	return ParameterField[P]{
		Name: name,
		encode: func(p P) ([]byte, bool) {
			v := get(p)
			return []byte(v), v != ""
		},
		decode: func(p *P, raw []byte) error {
			set(p, string(raw))
			return nil
		},
	}
}

// IntParameter binds an int64 field encoded as decimal text.
func IntParameter[P any](name string, get func(P) int64, set func(*P, int64)) ParameterField[P] {
	return ParameterField[P]{
		Name: name,
		encode: func(p P) ([]byte, bool) {
			return []byte(strconv.FormatInt(get(p), 10)), true
		},
		decode: func(p *P, raw []byte) error {
			v, err := strconv.ParseInt(string(raw), 10, 64)
			if err != nil {
				return err
			}
			set(p, v)
			return nil
		},
	}
}

// BoolParameter binds a bool field encoded as "true"/"false".
func BoolParameter[P any](name string, get func(P) bool, set func(*P, bool)) ParameterField[P] {
	return ParameterField[P]{
		Name: name,
		encode: func(p P) ([]byte, bool) {
			return []byte(strconv.FormatBool(get(p))), true
		},
		decode: func(p *P, raw []byte) error {
			v, err := strconv.ParseBool(string(raw))
			if err != nil {
				return err
			}
			set(p, v)
			return nil
		},
	}
}

func validateParameterSizes(parameters map[string][]byte) error {
	for name, value := range parameters {
		if len(value) > MaxParameterValueSize {
			return validationErrorf("parameter %s is too long (max %d characters)", name, MaxParameterValueSize)
		}
	}
	return nil
}

func mergeParameters(base, overrides map[string][]byte) map[string][]byte {
	if len(base) == 0 && len(overrides) == 0 {
		return nil
	}
	merged := make(map[string][]byte, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = copyBytes(v)
	}
	for k, v := range overrides {
		merged[k] = copyBytes(v)
	}
	return merged
}
