package fuji

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// registrySchema is the structural contract every registry document must
// satisfy before the semantic invariants in validateCode are checked.
const registrySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["codes"],
  "properties": {
    "codes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["code", "message", "layer", "severity", "blocking", "feedback"],
        "properties": {
          "code": {"type": "string", "pattern": "^F-[1-4][0-9]{3}$"},
          "message": {"type": "string", "minLength": 1},
          "detail": {"type": "string"},
          "layer": {"type": "integer", "minimum": 1, "maximum": 4},
          "severity": {"enum": ["LOW", "MEDIUM", "HIGH"]},
          "blocking": {"type": "boolean"},
          "feedback": {
            "type": "object",
            "required": ["action"],
            "properties": {
              "action": {"enum": ["REQUEST_EVIDENCE", "RE-CRITIQUE", "RE-DEBATE", "HUMAN_REVIEW"]},
              "hint": {"type": "string"}
            }
          }
        }
      }
    }
  }
}`

// Registry is the validated code table. Immutable after construction; the
// gate resolves every rejection through it.
type Registry struct {
	codes map[string]Code
}

// NewRegistry validates and indexes the built-in code table. The table is
// fixed at compile time, so a validation failure is a programming error.
func NewRegistry() *Registry {
	r, err := buildRegistry(defaultCodes())
	if err != nil {
		panic(err)
	}
	return r
}

// LoadRegistry reads a registry document (YAML or JSON) from path, checks it
// against the registry schema, then applies the semantic invariants.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fuji: read registry %s: %w", path, err)
	}

	var doc struct {
		Codes []Code `json:"codes" yaml:"codes"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("fuji: parse registry %s: %w", path, err)
	}

	if err := validateRegistryDocument(doc); err != nil {
		return nil, fmt.Errorf("fuji: registry %s: %w", path, err)
	}
	return buildRegistry(doc.Codes)
}

// validateRegistryDocument runs the JSON-schema check over the decoded
// document (round-tripped through JSON so YAML input validates identically).
func validateRegistryDocument(doc any) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://veritas.schemas.local/fuji/registry.schema.json"
	if err := c.AddResource(url, strings.NewReader(registrySchema)); err != nil {
		return fmt.Errorf("schema load failed: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("schema compile failed: %w", err)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if err := schema.Validate(generic); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

func buildRegistry(codes []Code) (*Registry, error) {
	index := make(map[string]Code, len(codes))
	for _, c := range codes {
		if err := validateCode(c); err != nil {
			return nil, err
		}
		if _, dup := index[c.Code]; dup {
			return nil, fmt.Errorf("fuji: duplicate code %s in registry", c.Code)
		}
		index[c.Code] = c
	}
	if _, ok := index[CodeDebateRiskFlag]; !ok {
		return nil, fmt.Errorf("fuji: registry must define %s", CodeDebateRiskFlag)
	}
	return &Registry{codes: index}, nil
}

// Lookup returns the entry for code. The second result is false for codes
// missing from the registry; callers treat those as HUMAN_REVIEW.
func (r *Registry) Lookup(code string) (Code, bool) {
	c, ok := r.codes[code]
	return c, ok
}

// MustLookup returns the entry for a code the gate itself selected. Called
// only with registry-validated codes, so absence is a programming error.
func (r *Registry) MustLookup(code string) Code {
	c, ok := r.codes[code]
	if !ok {
		panic(fmt.Sprintf("fuji: code %s selected but not registered", code))
	}
	return c
}

// Codes returns all entries ordered by code.
func (r *Registry) Codes() []Code {
	out := make([]Code, 0, len(r.codes))
	for _, c := range r.codes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Len reports the number of registered codes.
func (r *Registry) Len() int {
	return len(r.codes)
}
