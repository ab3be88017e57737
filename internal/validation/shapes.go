package validation

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"io"
	"strings"
)

// SOAPBodyJSON converts the first child of a SOAP envelope's Body element
// into a JSON document, so SOAP requests validate through the same
// field-path engine as JSON bodies. The decoder is plain encoding/xml with
// entity expansion left at its safe defaults (no external entities), so a
// hostile envelope cannot trigger XXE.
func SOAPBodyJSON(envelope []byte) ([]byte, error) {
	dec := xml.NewDecoder(bytes.NewReader(envelope))
	dec.Strict = true

	// Walk to the Body element.
	inBody := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, errors.New("validation: envelope has no body element")
		}
		if err != nil {
			return nil, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			if strings.EqualFold(start.Name.Local, "Body") {
				inBody = true
				continue
			}
			if inBody {
				// First body child: convert it and stop.
				value, err := elementToValue(dec, start)
				if err != nil {
					return nil, err
				}
				return json.Marshal(value)
			}
		}
	}
}

// elementToValue converts one XML element (and its subtree) into a
// JSON-shaped value: text-only elements become strings, repeated child
// names become arrays, attributes are dropped (matching the permissive way
// the rest of the gateway treats SOAP payloads).
func elementToValue(dec *xml.Decoder, start xml.StartElement) (any, error) {
	children := map[string][]any{}
	var text strings.Builder

	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := elementToValue(dec, t)
			if err != nil {
				return nil, err
			}
			children[t.Name.Local] = append(children[t.Name.Local], child)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if len(children) == 0 {
				return strings.TrimSpace(text.String()), nil
			}
			obj := make(map[string]any, len(children))
			for name, vals := range children {
				if len(vals) == 1 {
					obj[name] = vals[0]
				} else {
					obj[name] = vals
				}
			}
			return obj, nil
		}
	}
}

// GraphQLVariablesJSON extracts the variables object from a GraphQL request
// body, rooted under the operation name so schemas address fields as
// "{operation}.{variable}". An anonymous operation roots at "query".
func GraphQLVariablesJSON(body []byte, operationName string) ([]byte, error) {
	var req struct {
		Variables map[string]any `json:"variables"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	root := operationName
	if root == "" {
		root = "query"
	}
	return json.Marshal(map[string]any{root: req.Variables})
}

// GRPCMessageJSON extracts the message object from a gRPC dispatch body
// ({method, message}) for validation.
func GRPCMessageJSON(body []byte) ([]byte, error) {
	var req struct {
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	if len(req.Message) == 0 {
		return []byte("{}"), nil
	}
	return req.Message, nil
}
