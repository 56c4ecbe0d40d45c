// Package automation loads chat automations from YAML and selects the ones
// that fire for an inbox event.
package automation

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// AnyEvent matches every event type.
const AnyEvent = "*"

// Event types emitted by the inbox.
const (
	EventMessageReceived = "message.received"
	EventChatRead        = "chat.read"
	EventChatAssigned    = "chat.assigned"
)

// Action types an automation may request.
const (
	ActionTag       = "tag"
	ActionAssign    = "assign"
	ActionSetStatus = "set_status"
	ActionReply     = "reply"
	ActionMarkRead  = "mark_read"
	ActionWebhook   = "webhook"
)

var knownActions = map[string]bool{
	ActionTag: true, ActionAssign: true, ActionSetStatus: true,
	ActionReply: true, ActionMarkRead: true, ActionWebhook: true,
}

// Action is a single side effect requested by an automation. Executing it is
// up to the caller.
type Action struct {
	Type   string         `yaml:"type" json:"type"`
	Value  string         `yaml:"value,omitempty" json:"value,omitempty"`
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// Automation is one trigger/only-if/actions definition.
type Automation struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Event       string   `yaml:"event" json:"event"`
	Keywords    []string `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	// OnlyIf is kept loosely typed; see package onlyif for how it is read.
	OnlyIf   any      `yaml:"only_if,omitempty" json:"only_if,omitempty"`
	Actions  []Action `yaml:"actions" json:"actions"`
	Disabled bool     `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// Validate checks the fields an automation cannot work without. The only-if
// rule is never validated.
func (a Automation) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return errors.New("missing name")
	}
	if strings.TrimSpace(a.Event) == "" {
		return fmt.Errorf("automation %s: missing event", a.Name)
	}
	if len(a.Actions) == 0 {
		return fmt.Errorf("automation %s: no actions", a.Name)
	}
	for i, act := range a.Actions {
		if !knownActions[act.Type] {
			return fmt.Errorf("automation %s: action %d: unknown type %q", a.Name, i, act.Type)
		}
	}
	for i, kw := range a.Keywords {
		if strings.TrimSpace(kw) == "" {
			return fmt.Errorf("automation %s: keyword %d is empty", a.Name, i)
		}
	}
	return nil
}

// LoadYAML decodes every document in b as an automation. Empty documents are
// skipped.
func LoadYAML(b []byte) ([]Automation, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	var out []Automation
	for i := 0; ; i++ {
		var node yaml.Node
		if err := dec.Decode(&node); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		if isEmptyDocument(&node) {
			continue
		}
		var a Automation
		if err := node.Decode(&a); err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		a.Name = strings.TrimSpace(a.Name)
		a.Event = strings.TrimSpace(a.Event)
		a.OnlyIf = stringKeys(a.OnlyIf)
		for j := range a.Actions {
			if a.Actions[j].Params != nil {
				a.Actions[j].Params = stringKeys(a.Actions[j].Params).(map[string]any)
			}
		}
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func isEmptyDocument(n *yaml.Node) bool {
	if len(n.Content) == 0 {
		return true
	}
	c := n.Content[0]
	return c.Kind == yaml.ScalarNode && c.ShortTag() == "!!null"
}

// stringKeys rewrites every mapping in v as map[string]any. yaml.v3 decodes a
// mapping with any non-string key as map[interface{}]interface{}; its keys
// become their printed form, so {1: vip} is field "1".
func stringKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = stringKeys(x)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[fmt.Sprint(k)] = stringKeys(x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = stringKeys(x)
		}
		return out
	default:
		return v
	}
}

// LoadAll decodes a list of YAML sources and rejects duplicate names.
func LoadAll(sources []string) ([]Automation, error) {
	var out []Automation
	seen := make(map[string]bool)
	for i, src := range sources {
		as, err := LoadYAML([]byte(src))
		if err != nil {
			return nil, fmt.Errorf("source %d: %w", i, err)
		}
		for _, a := range as {
			if seen[a.Name] {
				return nil, fmt.Errorf("source %d: duplicate automation %q", i, a.Name)
			}
			seen[a.Name] = true
			out = append(out, a)
		}
	}
	return out, nil
}
