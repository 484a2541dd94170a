package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/BaSui01/capflow/capability"
	"github.com/BaSui01/capflow/template"
	"github.com/BaSui01/capflow/types"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// 📋 Plan model
// =============================================================================

// Plan is an ordered list of function calls. A plan is immutable once parsed.
type Plan struct {
	Goal   string `json:"goal,omitempty" yaml:"goal,omitempty"`
	Steps  []Step `json:"steps" yaml:"steps"`
	Return string `json:"return,omitempty" yaml:"return,omitempty"`
}

// Step is either a single function call or a loop.
//
// Args are template strings: "{{id}}" references the output of an earlier step
// or a plan variable.
type Step struct {
	ID   string   `json:"id,omitempty" yaml:"id,omitempty"`
	Call string   `json:"call,omitempty" yaml:"call,omitempty"`
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`
	When string   `json:"when,omitempty" yaml:"when,omitempty"`
	Loop *Loop    `json:"loop,omitempty" yaml:"loop,omitempty"`
}

// Loop runs Steps once per item of Over.
type Loop struct {
	// Over is a template resolving to a JSON array or newline-separated items.
	Over          string `json:"over" yaml:"over"`
	As            string `json:"as,omitempty" yaml:"as,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	Steps         []Step `json:"steps" yaml:"steps"`
}

// DefaultLoopVariable is bound to the current item when Loop.As is empty.
const DefaultLoopVariable = "item"

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func invalidPlan(format string, args ...any) *types.Error {
	return types.NewError(types.ErrInvalidPlan, fmt.Sprintf(format, args...))
}

// =============================================================================
// 🔍 Parsing
// =============================================================================

// ParsePlan decodes a plan from JSON or YAML. Markdown code fences and prose around
// a JSON object are stripped.
// Steps without an ID are numbered step1, step2, ... in document order.
func ParsePlan(text string) (*Plan, error) {
	body := stripFences(text)
	if body == "" {
		return nil, invalidPlan("plan is empty")
	}

	var plan Plan
	var err error
	if strings.HasPrefix(body, "{") {
		err = json.Unmarshal([]byte(body), &plan)
	} else if start, end := strings.Index(body, "{"), strings.LastIndex(body, "}"); start >= 0 && end > start && !looksLikeYAML(body) {
		err = json.Unmarshal([]byte(body[start:end+1]), &plan)
	} else {
		err = yaml.Unmarshal([]byte(body), &plan)
	}
	if err != nil {
		return nil, invalidPlan("plan is not valid JSON or YAML").WithCause(err)
	}

	counter := 0
	numberSteps(plan.Steps, &counter)
	return &plan, nil
}

func numberSteps(steps []Step, counter *int) {
	for i := range steps {
		*counter++
		if strings.TrimSpace(steps[i].ID) == "" {
			steps[i].ID = fmt.Sprintf("step%d", *counter)
		}
		if steps[i].Loop != nil {
			numberSteps(steps[i].Loop.Steps, counter)
		}
	}
}

func stripFences(text string) string {
	body := strings.TrimSpace(text)
	if !strings.HasPrefix(body, "```") {
		return body
	}
	body = strings.TrimPrefix(body, "```")
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:] // drop the language tag line
	} else {
		body = ""
	}
	if end := strings.LastIndex(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

func looksLikeYAML(body string) bool {
	first := strings.TrimSpace(strings.SplitN(body, "\n", 2)[0])
	return strings.HasPrefix(first, "goal:") || strings.HasPrefix(first, "steps:") ||
		strings.HasPrefix(first, "return:") || strings.HasPrefix(first, "---")
}

// =============================================================================
// ✅ Validation
// =============================================================================

// Validate checks plan against the functions registered in catalog.
// A plan without steps is valid: it means no function was useful.
func Validate(plan *Plan, catalog *capability.Catalog) error {
	if plan == nil {
		return invalidPlan("plan is nil")
	}
	all := make(map[string]bool)
	collectIDs(plan.Steps, all)
	seen := make(map[string]bool)
	if err := validateSteps(plan.Steps, catalog, seen, all); err != nil {
		return err
	}
	return checkReferences(plan.Return, "return", seen, all)
}

func validateSteps(steps []Step, catalog *capability.Catalog, seen, all map[string]bool) error {
	for _, step := range steps {
		if !identPattern.MatchString(step.ID) {
			return invalidPlan("step id %q must be an identifier", step.ID)
		}
		if seen[step.ID] {
			return invalidPlan("duplicate step id %q", step.ID)
		}
		if step.When != "" {
			if err := checkCondition(step.When); err != nil {
				return invalidPlan("step %s: invalid condition %q", step.ID, step.When).WithCause(err)
			}
		}

		switch {
		case step.Loop != nil && step.Call != "":
			return invalidPlan("step %s has both call and loop", step.ID)
		case step.Loop != nil:
			loop := step.Loop
			if strings.TrimSpace(loop.Over) == "" {
				return invalidPlan("loop %s has nothing to iterate over", step.ID)
			}
			if loop.MaxIterations < 0 {
				return invalidPlan("loop %s has negative max_iterations", step.ID)
			}
			if len(loop.Steps) == 0 {
				return invalidPlan("loop %s has no steps", step.ID)
			}
			as := loopVariable(loop)
			if !identPattern.MatchString(as) {
				return invalidPlan("loop %s variable %q must be an identifier", step.ID, as)
			}
			if err := checkReferences(loop.Over, step.ID, seen, all); err != nil {
				return err
			}
			if err := validateSteps(loop.Steps, catalog, seen, all); err != nil {
				return err
			}
		case step.Call == "":
			return invalidPlan("step %s calls no function", step.ID)
		default:
			if catalog != nil && !catalog.Has(step.Call) {
				return invalidPlan("step %s calls unknown function %q", step.ID, step.Call)
			}
			if len(step.Args) > types.MaxParameters {
				return invalidPlan("step %s passes %d arguments, at most %d allowed", step.ID, len(step.Args), types.MaxParameters)
			}
			for _, arg := range step.Args {
				if err := checkReferences(arg, step.ID, seen, all); err != nil {
					return err
				}
			}
		}
		seen[step.ID] = true
	}
	return nil
}

// checkReferences rejects forward references to steps that have not run yet.
// Keys that name no step are left to the executor, since they may be plan variables.
func checkReferences(text, where string, seen, all map[string]bool) error {
	for _, key := range template.Placeholders(text) {
		if all[key] && !seen[key] {
			return invalidPlan("%s references step %q before it runs", where, key)
		}
	}
	return nil
}

func collectIDs(steps []Step, into map[string]bool) {
	for _, s := range steps {
		into[s.ID] = true
		if s.Loop != nil {
			collectIDs(s.Loop.Steps, into)
		}
	}
}

func loopVariable(l *Loop) string {
	if as := strings.TrimSpace(l.As); as != "" {
		return as
	}
	return DefaultLoopVariable
}

// Calls returns every function name the plan calls, in order, including loop bodies.
func (p *Plan) Calls() []string {
	var out []string
	var walk func([]Step)
	walk = func(steps []Step) {
		for _, s := range steps {
			if s.Loop != nil {
				walk(s.Loop.Steps)
				continue
			}
			out = append(out, s.Call)
		}
	}
	walk(p.Steps)
	return out
}
