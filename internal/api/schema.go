package api

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"path"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBase = "callhook://schemas/"

// Schemas are the compiled request body schemas, keyed by file name without extension.
type Schemas map[string]*jsonschema.Schema

// CompileSchemas loads and compiles every embedded schema.
func CompileSchemas() (Schemas, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	files, err := fs.Glob(schemaFS, "schemas/*.json")
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		raw, err := schemaFS.ReadFile(f)
		if err != nil {
			return nil, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", f, err)
		}
		if err := c.AddResource(schemaBase+path.Base(f), doc); err != nil {
			return nil, fmt.Errorf("add %s: %w", f, err)
		}
	}

	out := make(Schemas, len(files))
	for _, f := range files {
		name := path.Base(f)
		sch, err := c.Compile(schemaBase + name)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", name, err)
		}
		out[name[:len(name)-len(".json")]] = sch
	}
	return out, nil
}

// Validate checks a raw JSON body against the named schema.
func (s Schemas) Validate(name string, body []byte) error {
	sch, ok := s[name]
	if !ok {
		return fmt.Errorf("no schema %q", name)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return badRequest("malformed JSON: %v", err)
	}
	if err := sch.Validate(inst); err != nil {
		return badRequest("%v", err)
	}
	return nil
}
