// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package expect

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Pattern is a named expected trace, as stored in a pattern file:
//
//	name: sync
//	expect:
//	  - event:
//	      service_type: HYSTRIX_COMMAND
//	      method: ${queue}
//	      annotations:
//	        - {key: hystrix.command, value: SayHelloCommand}
//	  - async:
//	      - event: {method: ${run}}
//	remaining: 0
//
// ${name} references in event methods and annotation values are expanded
// from the vars passed to Parse. $$ is a literal dollar sign.
type Pattern struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description,omitempty"`
	Expect      []Expectation `yaml:"expect"`
	// Remaining, when set, is the number of spans that must be left
	// unconsumed after Expect matched.
	Remaining *int `yaml:"remaining,omitempty"`
}

type eventYAML struct {
	ServiceType string           `yaml:"service_type,omitempty"`
	Method      string           `yaml:"method"`
	Annotations []annotationYAML `yaml:"annotations,omitempty"`
}

type annotationYAML struct {
	Key    string `yaml:"key"`
	Value  string `yaml:"value,omitempty"`
	Exists bool   `yaml:"exists,omitempty"`
}

type nodeYAML struct {
	Event *eventYAML    `yaml:"event,omitempty"`
	Async []Expectation `yaml:"async,omitempty"`
}

// UnmarshalYAML decodes a node that has exactly one of the keys event or
// async.
func (e *Expectation) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expectation must be a mapping", value.Line)
	}
	var keys []string
	for i := 0; i < len(value.Content); i += 2 {
		keys = append(keys, value.Content[i].Value)
	}
	if len(keys) != 1 || (keys[0] != "event" && keys[0] != "async") {
		return fmt.Errorf("line %d: expectation needs exactly one of event or async, got %v", value.Line, keys)
	}

	var n nodeYAML
	if err := value.Decode(&n); err != nil {
		return err
	}
	if keys[0] == "async" {
		*e = Async(n.Async...)
		return nil
	}

	if n.Event == nil || n.Event.Method == "" {
		return fmt.Errorf("line %d: event needs a method", value.Line)
	}
	ev := Event(n.Event.ServiceType, n.Event.Method)
	for _, a := range n.Event.Annotations {
		if a.Key == "" {
			return fmt.Errorf("line %d: annotation needs a key", value.Line)
		}
		if a.Exists {
			ev.Annotations = append(ev.Annotations, AnnotationExists(a.Key))
		} else {
			ev.Annotations = append(ev.Annotations, Annotation(a.Key, a.Value))
		}
	}
	*e = ev
	return nil
}

// MarshalYAML encodes the expectation in the pattern file layout.
func (e Expectation) MarshalYAML() (interface{}, error) {
	if e.Kind == KindAsync {
		children := e.Children
		if children == nil {
			children = []Expectation{}
		}
		return map[string][]Expectation{"async": children}, nil
	}
	ev := &eventYAML{ServiceType: e.ServiceType, Method: escapeDollar(e.Method)}
	for _, m := range e.Annotations {
		ev.Annotations = append(ev.Annotations, annotationYAML{Key: m.Key, Value: escapeDollar(m.Value), Exists: m.ExistsOnly})
	}
	return nodeYAML{Event: ev}, nil
}

// Parse decodes a pattern file, expanding ${name} references from vars.
// Unknown references are an error.
func Parse(data []byte, vars map[string]string) (*Pattern, error) {
	var p Pattern
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse pattern: %w", err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("parse pattern: name is required")
	}
	if len(p.Expect) == 0 && p.Remaining == nil {
		return nil, fmt.Errorf("parse pattern %s: nothing to verify", p.Name)
	}

	var missing []string
	expand := func(s string) string {
		return os.Expand(s, func(name string) string {
			if name == "$" {
				return "$"
			}
			v, ok := vars[name]
			if !ok {
				missing = append(missing, name)
			}
			return v
		})
	}
	expandAll(p.Expect, expand)
	if len(missing) > 0 {
		return nil, fmt.Errorf("parse pattern %s: undefined variables %v", p.Name, missing)
	}
	return &p, nil
}

func expandAll(exps []Expectation, expand func(string) string) {
	for i := range exps {
		e := &exps[i]
		if e.Kind == KindAsync {
			expandAll(e.Children, expand)
			continue
		}
		e.Method = expand(e.Method)
		for j := range e.Annotations {
			e.Annotations[j].Value = expand(e.Annotations[j].Value)
		}
	}
}

func escapeDollar(s string) string {
	return strings.ReplaceAll(s, "$", "$$")
}

// Load reads and parses a pattern file.
func Load(path string, vars map[string]string) (*Pattern, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pattern: %w", err)
	}
	return Parse(data, vars)
}

// Marshal encodes p as a pattern file.
func Marshal(p *Pattern) ([]byte, error) {
	return yaml.Marshal(p)
}
