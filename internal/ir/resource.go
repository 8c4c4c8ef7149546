package ir

import (
	"bytes"
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// Template is a declarative stack document in CloudFormation layout.
type Template struct {
	FormatVersion string               `json:"AWSTemplateFormatVersion" yaml:"AWSTemplateFormatVersion"`
	Description   string               `json:"Description,omitempty" yaml:"Description,omitempty"`
	Parameters    map[string]Parameter `json:"Parameters,omitempty" yaml:"Parameters,omitempty"`
	Resources     map[string]Resource  `json:"Resources" yaml:"Resources"`
	Outputs       map[string]Output    `json:"Outputs,omitempty" yaml:"Outputs,omitempty"`
}

// Parameter is a template input.
type Parameter struct {
	Type        string `json:"Type" yaml:"Type"`
	Default     string `json:"Default,omitempty" yaml:"Default,omitempty"`
	Description string `json:"Description,omitempty" yaml:"Description,omitempty"`
}

// Resource is a single declared resource.
type Resource struct {
	Type       string         `json:"Type" yaml:"Type"`
	DependsOn  []string       `json:"DependsOn,omitempty" yaml:"DependsOn,omitempty"`
	Properties map[string]any `json:"Properties,omitempty" yaml:"Properties,omitempty"`
}

// Output is a named stack output.
type Output struct {
	Description string `json:"Description,omitempty" yaml:"Description,omitempty"`
	Value       any    `json:"Value" yaml:"Value"`
}

// Render returns the template as indented JSON. Map keys are sorted, so the
// same template always renders to the same bytes.
func (t *Template) Render() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(t); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RenderYAML returns the template as YAML.
func (t *Template) RenderYAML() ([]byte, error) {
	return yaml.Marshal(t)
}

// ResourcesOfType returns the logical ids of resources with the given type.
func (t *Template) ResourcesOfType(typ string) []string {
	var ids []string
	for id, r := range t.Resources {
		if r.Type == typ {
			ids = append(ids, id)
		}
	}
	return ids
}
