package backend

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Codec converts between wire Rows and a typed record T, validating every
// row against a JSON Schema at the boundary. Rows arriving from a realtime
// feed or leaving for the backend pass through here so a malformed payload
// fails loudly instead of corrupting local state.
type Codec[T any] struct {
	table  string
	schema *jsonschema.Schema
}

// NewCodec compiles the schema for the given table.
func NewCodec[T any](table string, schemaJSON []byte) (*Codec[T], error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse schema for table %q: %w", table, err)
	}
	resource := fmt.Sprintf("inline://%s.schema.json", table)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("register schema for table %q: %w", table, err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema for table %q: %w", table, err)
	}
	return &Codec[T]{table: table, schema: schema}, nil
}

// Table returns the table this codec validates for.
func (c *Codec[T]) Table() string {
	return c.table
}

// Validate checks a row against the schema without decoding it.
func (c *Codec[T]) Validate(row Row) error {
	// Round-trip through JSON so values carry the canonical types the
	// validator expects regardless of how the driver produced them.
	raw, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal row for table %q: %w", c.table, err)
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("reparse row for table %q: %w", c.table, err)
	}
	if err := c.schema.Validate(value); err != nil {
		return fmt.Errorf("row failed schema validation for table %q: %w", c.table, err)
	}
	return nil
}

// Decode validates a row and unmarshals it into T.
func (c *Codec[T]) Decode(row Row) (T, error) {
	var out T
	if err := c.Validate(row); err != nil {
		return out, err
	}
	raw, err := json.Marshal(row)
	if err != nil {
		return out, fmt.Errorf("marshal row for table %q: %w", c.table, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode row for table %q: %w", c.table, err)
	}
	return out, nil
}

// Encode marshals a record into a Row and validates it before it is handed
// to the backend.
func (c *Codec[T]) Encode(record T) (Row, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode record for table %q: %w", c.table, err)
	}
	var row Row
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("encode record for table %q: %w", c.table, err)
	}
	if err := c.Validate(row); err != nil {
		return nil, err
	}
	return row, nil
}
