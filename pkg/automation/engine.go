package automation

import (
	"strings"
	"sync/atomic"

	"github.com/PhucNguyen204/chatcrm/pkg/onlyif"
)

// Event is something that happened to a chat. Context holds the chat and
// contact attributes the only-if rules are checked against.
type Event struct {
	Type    string         `json:"type"`
	Text    string         `json:"text,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// Firing is an automation selected for an event.
type Firing struct {
	Automation string   `json:"automation"`
	Actions    []Action `json:"actions"`
}

// Stats reports engine size and counters since Compile.
type Stats struct {
	Automations    int    `json:"automations"`
	Enabled        int    `json:"enabled"`
	Keywords       int    `json:"keywords"`
	Evaluations    uint64 `json:"evaluations"`
	Fired          uint64 `json:"fired"`
	PrefilterSkips uint64 `json:"prefilter_skips"`
}

type compiled struct {
	def      Automation
	rule     onlyif.Rule
	keywords []string
}

// Engine selects automations for events. It is immutable after Compile and
// safe for concurrent use.
type Engine struct {
	automations []compiled
	prefilter   keywordPrefilter
	enabled     int

	evaluations    atomic.Uint64
	fired          atomic.Uint64
	prefilterSkips atomic.Uint64
}

// Compile prepares automations for evaluation, preserving their order.
func Compile(defs []Automation) *Engine {
	e := &Engine{automations: make([]compiled, 0, len(defs))}
	for _, d := range defs {
		c := compiled{def: d, rule: onlyif.ParseRule(d.OnlyIf)}
		for _, kw := range d.Keywords {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
				c.keywords = append(c.keywords, kw)
			}
		}
		if !d.Disabled {
			e.enabled++
		}
		e.automations = append(e.automations, c)
	}
	e.prefilter = newKeywordPrefilter(e.automations)
	return e
}

// Evaluate returns the enabled automations triggered by ev, in definition
// order.
func (e *Engine) Evaluate(ev Event) []Firing {
	e.evaluations.Add(1)
	out := make([]Firing, 0)
	lowerText := strings.ToLower(ev.Text)
	textChecked, textHit := false, false
	for _, c := range e.automations {
		if c.def.Disabled {
			continue
		}
		if c.def.Event != AnyEvent && c.def.Event != ev.Type {
			continue
		}
		if len(c.keywords) > 0 {
			if !textChecked {
				textChecked = true
				textHit = e.prefilter.hasMatch(lowerText)
				if !textHit {
					e.prefilterSkips.Add(1)
				}
			}
			if !textHit || !containsAny(lowerText, c.keywords) {
				continue
			}
		}
		if !c.rule.Matches(ev.Context) {
			continue
		}
		out = append(out, Firing{Automation: c.def.Name, Actions: append([]Action(nil), c.def.Actions...)})
	}
	e.fired.Add(uint64(len(out)))
	return out
}

// Automations returns the definitions the engine was compiled from.
func (e *Engine) Automations() []Automation {
	out := make([]Automation, len(e.automations))
	for i, c := range e.automations {
		out[i] = c.def
	}
	return out
}

func (e *Engine) Count() int { return len(e.automations) }

func (e *Engine) Stats() Stats {
	return Stats{
		Automations:    len(e.automations),
		Enabled:        e.enabled,
		Keywords:       e.prefilter.patternCount(),
		Evaluations:    e.evaluations.Load(),
		Fired:          e.fired.Load(),
		PrefilterSkips: e.prefilterSkips.Load(),
	}
}
