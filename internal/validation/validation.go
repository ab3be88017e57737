// Package validation implements the validation engine: a field-path
// descriptor schema, addressed with gjson/sjson path syntax so the same
// engine validates REST/GraphQL JSON bodies, SOAP bodies converted to JSON,
// and the JSON message field of gRPC dispatch bodies, rather than one JSON-Schema
// document per content type.
package validation

import (
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"time"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/doorman/gateway/internal/store"
)

// FieldError describes one failing field.
type FieldError struct {
	Path    string
	Message string
}

// Result collects every failing field found in one pass — the engine does
// not stop at the first error, so a caller gets the complete list to report.
type Result struct {
	Errors []FieldError
}

func (r Result) OK() bool { return len(r.Errors) == 0 }

// Validate walks schema.Fields against body (raw JSON bytes) and returns
// every violation found.
func Validate(schema *store.ValidationSchema, body []byte) Result {
	var res Result
	if schema == nil {
		return res
	}
	validateFields(schema.Fields, gjson.ParseBytes(body), "", &res)
	return res
}

func validateFields(fields map[string]*store.FieldDescriptor, root gjson.Result, prefix string, res *Result) {
	for path, desc := range fields {
		full := path
		if prefix != "" {
			full = prefix + "." + path
		}
		value := root.Get(path)
		validateField(full, desc, value, res)
	}
}

func validateField(path string, desc *store.FieldDescriptor, value gjson.Result, res *Result) {
	if !value.Exists() {
		if desc.Required {
			res.Errors = append(res.Errors, FieldError{Path: path, Message: "field is required"})
		}
		return
	}

	if !typeMatches(desc.Type, value) {
		res.Errors = append(res.Errors, FieldError{Path: path, Message: fmt.Sprintf("expected type %s", desc.Type)})
		return
	}

	switch desc.Type {
	case store.FieldNumber:
		n := value.Float()
		if desc.Min != nil && n < *desc.Min {
			res.Errors = append(res.Errors, FieldError{Path: path, Message: fmt.Sprintf("must be >= %v", *desc.Min)})
		}
		if desc.Max != nil && n > *desc.Max {
			res.Errors = append(res.Errors, FieldError{Path: path, Message: fmt.Sprintf("must be <= %v", *desc.Max)})
		}
	case store.FieldString:
		s := value.String()
		if desc.Min != nil && float64(len(s)) < *desc.Min {
			res.Errors = append(res.Errors, FieldError{Path: path, Message: "string too short"})
		}
		if desc.Max != nil && float64(len(s)) > *desc.Max {
			res.Errors = append(res.Errors, FieldError{Path: path, Message: "string too long"})
		}
		if desc.Pattern != "" {
			if ok, _ := regexp.MatchString(desc.Pattern, s); !ok {
				res.Errors = append(res.Errors, FieldError{Path: path, Message: "does not match pattern"})
			}
		}
		if desc.Format != "" && !formatValid(desc.Format, s) {
			res.Errors = append(res.Errors, FieldError{Path: path, Message: fmt.Sprintf("invalid %s format", desc.Format)})
		}
	case store.FieldArray:
		if desc.ArrayItems != nil {
			idx := 0
			value.ForEach(func(_, item gjson.Result) bool {
				validateField(fmt.Sprintf("%s[%d]", path, idx), desc.ArrayItems, item, res)
				idx++
				return true
			})
		}
	case store.FieldObject:
		if desc.NestedSchema != nil {
			validateFields(desc.NestedSchema.Fields, value, path, res)
		}
	}

	if len(desc.Enum) > 0 && !enumContains(desc.Enum, value) {
		res.Errors = append(res.Errors, FieldError{Path: path, Message: "value not in allowed set"})
	}

	if desc.CustomValidator != "" {
		ok, err := evalCustomValidator(desc.CustomValidator, value)
		if err != nil || !ok {
			res.Errors = append(res.Errors, FieldError{Path: path, Message: "failed custom validation"})
		}
	}
}

func typeMatches(t store.FieldType, v gjson.Result) bool {
	switch t {
	case store.FieldString:
		return v.Type.String() == "String"
	case store.FieldNumber:
		return v.Type.String() == "Number"
	case store.FieldBoolean:
		return v.IsBool()
	case store.FieldArray:
		return v.IsArray()
	case store.FieldObject:
		return v.IsObject()
	default:
		return true
	}
}

func formatValid(format store.FieldFormat, s string) bool {
	switch format {
	case store.FormatEmail:
		_, err := mail.ParseAddress(s)
		return err == nil
	case store.FormatURL:
		u, err := url.Parse(s)
		return err == nil && u.Scheme != "" && u.Host != ""
	case store.FormatDate:
		_, err := time.Parse("2006-01-02", s)
		return err == nil
	case store.FormatDateTime:
		_, err := time.Parse(time.RFC3339, s)
		return err == nil
	case store.FormatUUID:
		_, err := uuid.Parse(s)
		return err == nil
	default:
		return true
	}
}

func enumContains(enum []any, v gjson.Result) bool {
	for _, e := range enum {
		if fmt.Sprintf("%v", e) == v.String() || fmt.Sprintf("%v", e) == v.Raw {
			return true
		}
	}
	return false
}

func evalCustomValidator(expression string, v gjson.Result) (bool, error) {
	env := map[string]any{"value": v.Value()}
	program, err := expr.Compile(expression, expr.Env(env))
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	return ok && b, nil
}
