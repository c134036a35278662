package mutation

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Makepad-fr/tada/internal/model"
	"github.com/Makepad-fr/tada/internal/transport"
)

//go:embed schema/*.json
var schemaFS embed.FS

var (
	schemasOnce sync.Once
	draftSchema *jsonschema.Schema
	patchSchema *jsonschema.Schema
	schemasErr  error
)

func loadSchemas() error {
	schemasOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		for _, name := range []string{"draft.json", "patch.json"} {
			b, err := schemaFS.ReadFile("schema/" + name)
			if err != nil {
				schemasErr = fmt.Errorf("read schema %s: %w", name, err)
				return
			}
			if err := compiler.AddResource(name, bytes.NewReader(b)); err != nil {
				schemasErr = fmt.Errorf("add schema %s: %w", name, err)
				return
			}
		}
		if draftSchema, schemasErr = compiler.Compile("draft.json"); schemasErr != nil {
			return
		}
		patchSchema, schemasErr = compiler.Compile("patch.json")
	})
	return schemasErr
}

// ValidateDraft checks a create request before anything touches the cache.
func ValidateDraft(d model.Draft) error {
	if err := loadSchemas(); err != nil {
		return err
	}
	return validate(draftSchema, d)
}

// ValidatePatch checks an update request before anything touches the cache.
func ValidatePatch(p model.Patch) error {
	if err := loadSchemas(); err != nil {
		return err
	}
	return validate(patchSchema, p)
}

func validate(schema *jsonschema.Schema, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("unmarshal request: %w", err)
	}
	err = schema.Validate(doc)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err
	}
	fields := make(map[string]string)
	collectLeaves(ve, fields)
	msgs := make([]string, 0, len(fields))
	for f, m := range fields {
		msgs = append(msgs, f+": "+m)
	}
	return &transport.Error{
		Kind:    transport.ValidationFailed,
		Message: strings.Join(msgs, "; "),
		Fields:  fields,
	}
}

// collectLeaves records the first leaf message per instance location.
func collectLeaves(ve *jsonschema.ValidationError, out map[string]string) {
	if len(ve.Causes) == 0 {
		field := strings.TrimPrefix(ve.InstanceLocation, "/")
		if field == "" {
			field = "body"
		}
		if _, ok := out[field]; !ok {
			out[field] = ve.Message
		}
		return
	}
	for _, c := range ve.Causes {
		collectLeaves(c, out)
	}
}
