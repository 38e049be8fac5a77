package definition

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/reeveci/reeve-pipeline/schema"
)

//go:embed pipeline.schema.json
var pipelineSchema []byte

var (
	compiledSchema *gojsonschema.Schema
	compileOnce    sync.Once
	compileErr     error
)

func getSchema() (*gojsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiledSchema, compileErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(pipelineSchema))
	})
	return compiledSchema, compileErr
}

// Load parses a YAML (or JSON) pipeline definition, checks it against the
// pipeline JSON schema and validates it.
func Load(data []byte) (*Definition, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("error parsing pipeline definition - %w", err)
	}

	problems, err := validateStructure(raw)
	if err != nil {
		return nil, err
	}
	if len(problems) > 0 {
		name, _ := pipelineName(raw)
		return nil, &schema.ValidationError{Pipeline: name, Problems: problems}
	}

	var spec schema.PipelineDefinition
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("error decoding pipeline definition - %w", err)
	}

	return New(spec)
}

func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading pipeline definition - %w", err)
	}
	return Load(data)
}

func validateStructure(raw any) ([]string, error) {
	compiled, err := getSchema()
	if err != nil {
		return nil, fmt.Errorf("error compiling pipeline schema - %w", err)
	}

	document, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("error converting pipeline definition - %w", err)
	}

	result, err := compiled.Validate(gojsonschema.NewBytesLoader(document))
	if err != nil {
		return nil, fmt.Errorf("error validating pipeline definition - %w", err)
	}
	if result.Valid() {
		return nil, nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}
	return problems, nil
}

func pipelineName(raw any) (string, bool) {
	document, ok := raw.(map[string]any)
	if !ok {
		return "", false
	}
	name, ok := document["name"].(string)
	return name, ok
}
