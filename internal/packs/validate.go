// ABOUTME: Validates tool call arguments against the tool's JSON schema
// ABOUTME: Covers object shape, required fields, primitive types and string enums

package packs

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/tidwall/gjson"

	"github.com/2389/intake-gateway/internal/orcherr"
)

func invalidArguments(format string, args ...any) error {
	return &orcherr.ToolError{
		Code:    orcherr.CodeInvalidArguments,
		Message: fmt.Sprintf(format, args...),
		Err:     orcherr.ErrInvalidArguments,
	}
}

// ValidateArguments checks args against a JSON schema subset. An empty schema
// only requires args to be an object.
func ValidateArguments(schema, args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !gjson.ValidBytes(args) {
		return invalidArguments("arguments are not valid JSON")
	}
	root := gjson.ParseBytes(args)
	if !root.IsObject() {
		return invalidArguments("arguments must be a JSON object")
	}
	if len(schema) == 0 {
		return nil
	}

	fields := make(map[string]gjson.Result)
	root.ForEach(func(key, value gjson.Result) bool {
		fields[key.String()] = value
		return true
	})

	s := gjson.ParseBytes(schema)
	for _, req := range s.Get("required").Array() {
		v, ok := fields[req.String()]
		if !ok || v.Type == gjson.Null {
			return invalidArguments("missing required field %q", req.String())
		}
	}

	var err error
	s.Get("properties").ForEach(func(key, prop gjson.Result) bool {
		v, ok := fields[key.String()]
		if !ok {
			return true
		}
		if want := prop.Get("type").String(); !typeMatches(v, want) {
			err = invalidArguments("field %q must be of type %s", key.String(), want)
			return false
		}
		if enum := prop.Get("enum").Array(); len(enum) > 0 && !inEnum(v, enum) {
			err = invalidArguments("field %q has unsupported value %s", key.String(), v.Raw)
			return false
		}
		return true
	})
	return err
}

func typeMatches(v gjson.Result, want string) bool {
	switch want {
	case "":
		return true
	case "string":
		return v.Type == gjson.String
	case "number":
		return v.Type == gjson.Number
	case "integer":
		return v.Type == gjson.Number && v.Num == math.Trunc(v.Num)
	case "boolean":
		return v.Type == gjson.True || v.Type == gjson.False
	case "object":
		return v.IsObject()
	case "array":
		return v.IsArray()
	case "null":
		return v.Type == gjson.Null
	default:
		return true
	}
}

func inEnum(v gjson.Result, enum []gjson.Result) bool {
	for _, e := range enum {
		if e.Type == v.Type && e.String() == v.String() {
			return true
		}
	}
	return false
}
