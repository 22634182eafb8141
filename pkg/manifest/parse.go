package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Issue is one structural problem found while parsing a manifest.
type Issue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries the full enumerated issue list back to the caller.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, iss := range e.Issues {
		parts[i] = fmt.Sprintf("%s: %s", iss.Field, iss.Message)
	}
	return "invalid manifest: " + strings.Join(parts, "; ")
}

// Result is the discriminated outcome of SafeParse.
type Result struct {
	OK       bool
	Manifest *Manifest
	Issues   []Issue
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report issues against json field names, not Go identifiers.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Top-level keys the schema knows about. Anything else is accepted and
// preserved under metadata.
var knownKeys = map[string]bool{
	"schemaVersion":     true,
	"identity":          true,
	"agentConfig":       true,
	"capabilities":      true,
	"channels":          true,
	"resources":         true,
	"financialControls": true,
	"controlPlane":      true,
	"retention":         true,
	"goals":             true,
	"knowledge":         true,
	"metadata":          true,
}

// Parse decodes, default-fills, and validates a manifest. Rejection is
// purely structural; the returned error is a *ValidationError enumerating
// every issue.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &ValidationError{Issues: []Issue{{Field: "manifest", Message: "invalid JSON: " + err.Error()}}}
	}

	// Preserve unknown top-level keys in metadata.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err == nil {
		for key, val := range raw {
			if knownKeys[key] {
				continue
			}
			if m.Metadata == nil {
				m.Metadata = map[string]interface{}{}
			}
			var v interface{}
			if err := json.Unmarshal(val, &v); err == nil {
				m.Metadata[key] = v
			}
		}
	}

	m.ApplyDefaults()

	if err := validate.Struct(&m); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return nil, &ValidationError{Issues: []Issue{{Field: "manifest", Message: err.Error()}}}
		}
		issues := make([]Issue, 0, len(verrs))
		for _, fe := range verrs {
			field := strings.TrimPrefix(fe.Namespace(), "Manifest.")
			issues = append(issues, Issue{Field: field, Message: issueMessage(fe)})
		}
		return nil, &ValidationError{Issues: issues}
	}

	return &m, nil
}

// SafeParse is Parse without an error return: callers branch on Result.OK.
func SafeParse(data []byte) Result {
	m, err := Parse(data)
	if err != nil {
		if verr, ok := err.(*ValidationError); ok {
			return Result{Issues: verr.Issues}
		}
		return Result{Issues: []Issue{{Field: "manifest", Message: err.Error()}}}
	}
	return Result{OK: true, Manifest: m}
}

// Load reads a manifest from a .json, .yaml, or .yml file. YAML documents
// are converted to JSON so unknown-key preservation behaves identically.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
		data, err = json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to convert YAML manifest: %w", err)
		}
	}
	return Parse(data)
}

// Serialize renders the manifest as compact JSON. Parse(Serialize(m)) == m
// for any parsed manifest.
func (m *Manifest) Serialize() ([]byte, error) {
	return json.Marshal(m)
}

func issueMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "uuid4":
		return "must be a UUID"
	case "url":
		return "must be a valid URL"
	case "gte":
		return "must be >= " + fe.Param()
	case "lte":
		return "must be <= " + fe.Param()
	case "gt":
		return "must be > " + fe.Param()
	default:
		return "failed " + fe.Tag() + " validation"
	}
}
