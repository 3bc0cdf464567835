package telesession

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ParamType defines the type of a command parameter.
type ParamType string

const (
	TypeString ParamType = "string"
	TypeInt    ParamType = "int"
	TypeBool   ParamType = "bool"
	TypeEnum   ParamType = "enum"
)

// ParamSchema defines validation rules for a command parameter.
type ParamSchema struct {
	Type ParamType

	// Position binds the n-th bare word (1-based) to this parameter.
	// Zero means the parameter is only accepted as key=value.
	Position int

	Required bool

	// Default is used when the parameter is not provided.
	Default any

	// Enum contains allowed values for enum type.
	Enum []string

	Description string
}

// Params maps parameter names to their schemas.
type Params map[string]ParamSchema

// ParsedParams holds validated parameter values.
type ParsedParams map[string]any

// String returns the string value of a parameter.
func (p ParsedParams) String(key string) string {
	v, _ := p[key].(string)
	return v
}

// Int returns the int64 value of a parameter.
func (p ParsedParams) Int(key string) int64 {
	v, _ := p[key].(int64)
	return v
}

// Bool returns the bool value of a parameter.
func (p ParsedParams) Bool(key string) bool {
	v, _ := p[key].(bool)
	return v
}

// Has reports whether the parameter has a value.
func (p ParsedParams) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// ParseParams parses command arguments such as "30 unit=min" against
// schema. A nil schema accepts any key=value pair as a string.
func ParseParams(args string, schema Params) (ParsedParams, error) {
	keyed := make(map[string]string)
	var bare []string
	for _, word := range strings.Fields(args) {
		if k, v, ok := strings.Cut(word, "="); ok && k != "" {
			keyed[k] = v
			continue
		}
		bare = append(bare, word)
	}

	params := make(ParsedParams)
	if schema == nil {
		for k, v := range keyed {
			params[k] = v
		}
		return params, nil
	}

	names := make([]string, 0, len(schema))
	for name := range schema {
		names = append(names, name)
	}
	slices.Sort(names)

	var errs []error
	for _, name := range names {
		s := schema[name]

		raw, provided := keyed[name]
		if !provided && s.Position > 0 && s.Position <= len(bare) {
			raw, provided = bare[s.Position-1], true
		}

		if !provided {
			if s.Required {
				errs = append(errs, fmt.Errorf("parameter %q is required", name))
			} else if s.Default != nil {
				params[name] = s.Default
			}
			continue
		}

		v, err := convertParam(name, raw, s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		params[name] = v
	}

	unknown := make([]string, 0)
	for name := range keyed {
		if _, ok := schema[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	slices.Sort(unknown)
	for _, name := range unknown {
		errs = append(errs, fmt.Errorf("unknown parameter %q", name))
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return params, nil
}

func convertParam(name, raw string, s ParamSchema) (any, error) {
	switch s.Type {
	case TypeInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parameter %q must be a number", name)
		}
		return n, nil

	case TypeBool:
		switch strings.ToLower(raw) {
		case "true", "1", "yes", "on":
			return true, nil
		case "false", "0", "no", "off":
			return false, nil
		}
		return nil, fmt.Errorf("parameter %q must be true or false", name)

	case TypeEnum:
		if !slices.Contains(s.Enum, raw) {
			return nil, fmt.Errorf("parameter %q must be one of: %s", name, strings.Join(s.Enum, ", "))
		}
		return raw, nil
	}
	return raw, nil
}
