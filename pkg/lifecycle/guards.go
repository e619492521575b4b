package lifecycle

import (
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/oversight-labs/phasegate/pkg/phase"
)

// GuardRule is one configurable completion guard: a CEL boolean expression
// over `metadata`, with the requirement string reported when it fails.
type GuardRule struct {
	Phase      string `yaml:"phase"`
	Expression string `yaml:"expression"`
	Message    string `yaml:"message"`
}

// GuardSet holds compiled guard rules keyed by phase. Rules compile once at
// construction, so a malformed expression fails startup instead of the first
// Complete that hits it.
type GuardSet struct {
	programs map[phase.Name][]guardProgram
}

type guardProgram struct {
	expression string
	message    string
	program    cel.Program
}

// NewGuardSet compiles the given rules.
func NewGuardSet(rules []GuardRule) (*GuardSet, error) {
	env, err := cel.NewEnv(cel.Variable("metadata", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("create guard environment: %w", err)
	}

	set := &GuardSet{programs: make(map[phase.Name][]guardProgram)}
	for i, rule := range rules {
		name, err := phase.Parse(rule.Phase)
		if err != nil {
			return nil, fmt.Errorf("guard rule %d: %w", i, err)
		}
		if rule.Expression == "" {
			return nil, fmt.Errorf("guard rule %d for %q: expression is empty", i, name)
		}
		ast, issues := env.Compile(rule.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("guard rule %d for %q: compile: %w", i, name, issues.Err())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("guard rule %d for %q: program: %w", i, name, err)
		}
		message := rule.Message
		if message == "" {
			message = fmt.Sprintf("guard rule %q is not satisfied", rule.Expression)
		}
		set.programs[name] = append(set.programs[name], guardProgram{
			expression: rule.Expression,
			message:    message,
			program:    prg,
		})
	}
	return set, nil
}

// Evaluate runs the rules for name against the metadata map. A rule that
// evaluates false, errors, or returns a non-boolean contributes a requirement
// string (guards fail closed).
func (g *GuardSet) Evaluate(name phase.Name, md map[string]any) []string {
	rules := g.programs[name]
	if len(rules) == 0 {
		return nil
	}
	if md == nil {
		md = map[string]any{}
	}
	input := map[string]any{"metadata": md}

	var unmet []string
	for _, rule := range rules {
		out, _, err := rule.program.Eval(input)
		if err != nil {
			unmet = append(unmet, fmt.Sprintf("guard rule %q failed to evaluate: %v", rule.expression, err))
			continue
		}
		ok, isBool := out.Value().(bool)
		if !isBool {
			unmet = append(unmet, fmt.Sprintf("guard rule %q did not produce a boolean", rule.expression))
			continue
		}
		if !ok {
			unmet = append(unmet, rule.message)
		}
	}
	return unmet
}

// guardFileConstraint gates workflow.yaml files to the config major version
// this build understands.
const guardFileConstraint = "^1"

type guardFile struct {
	Version string      `yaml:"version"`
	Guards  []GuardRule `yaml:"guards"`
}

// LoadGuardFile reads guard rules from a workflow.yaml document.
func LoadGuardFile(path string) (*GuardSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read guard file: %w", err)
	}
	return ParseGuardFile(raw)
}

// ParseGuardFile parses and compiles a workflow.yaml document.
func ParseGuardFile(raw []byte) (*GuardSet, error) {
	var file guardFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse guard file: %w", err)
	}
	if err := checkGuardVersion(file.Version); err != nil {
		return nil, err
	}
	return NewGuardSet(file.Guards)
}

func checkGuardVersion(version string) error {
	if version == "" {
		return fmt.Errorf("guard file has no version")
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("guard file version %q: %w", version, err)
	}
	constraint, err := semver.NewConstraint(guardFileConstraint)
	if err != nil {
		return fmt.Errorf("guard version constraint: %w", err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("guard file version %s is outside supported range %s", version, guardFileConstraint)
	}
	return nil
}
