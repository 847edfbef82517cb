package ledger

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/lavallee/cub/pkg/models"
)

// ErrInvalidEntry is returned for entries that fail schema validation.
var ErrInvalidEntry = errors.New("invalid ledger entry")

//go:embed schema/entry.schema.json
var entrySchemaText string

var entrySchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	if err := compiler.AddResource("entry.schema.json", strings.NewReader(entrySchemaText)); err != nil {
		panic(fmt.Sprintf("load ledger schema: %v", err))
	}
	s, err := compiler.Compile("entry.schema.json")
	if err != nil {
		panic(fmt.Sprintf("compile ledger schema: %v", err))
	}
	return s
}

// validateLine checks one encoded entry against the schema.
func validateLine(line []byte) error {
	var doc any
	if err := json.Unmarshal(line, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if err := entrySchema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return nil
}

// encode marshals and validates an entry, returning the line without a
// trailing newline.
func encode(e models.LedgerEntry) ([]byte, error) {
	line, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode ledger entry: %w", err)
	}
	if err := validateLine(line); err != nil {
		return nil, err
	}
	return line, nil
}

// decodeLine validates and decodes one log line. Every reader accepts
// exactly the lines this accepts.
func decodeLine(line []byte) (models.LedgerEntry, error) {
	var e models.LedgerEntry
	if err := validateLine(line); err != nil {
		return e, err
	}
	if err := json.Unmarshal(line, &e); err != nil {
		return e, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return e, nil
}
