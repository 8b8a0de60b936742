// Package rules implements the display-name rule engine: an ordered list of
// rules, each pairing a display-name template with a condition tree, loaded
// from YAML and evaluated against a view of a running process.
//
// A rule file looks like:
//
//	rules:
//	  - rule_name: samtools_sort
//	    display_name: "samtools {subcommand}"
//	    condition:
//	      and:
//	        - process_name_is: samtools
//	        - subcommand_is_one_of: [sort, view, index]
//
// The condition grammar is a recursive sum type: each node is a YAML mapping
// with exactly one key naming the operator. Leaves test the process name, the
// joined command line, or the argv sequence; "and" / "or" combine children
// with short-circuit left-to-right evaluation.
package rules

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// ProcessView is the evaluator's input: the subset of a process lifetime the
// DSL can observe. Argv is the ordered argument vector including argv[0];
// Cmdline is the space-joined form.
type ProcessView struct {
	ProcessName string
	Argv        []string
	Cmdline     string
}

// Rule is one entry of the ordered rule list.
type Rule struct {
	RuleName    string    `yaml:"rule_name"`
	DisplayName string    `yaml:"display_name"`
	Condition   Condition `yaml:"condition"`
}

// Condition is one node of the condition tree. The zero value is invalid;
// nodes are only produced by YAML unmarshalling.
type Condition struct {
	op string

	str  string         // single-string operand leaves
	num  int            // min_args
	list []string       // subcommand_is_one_of
	re   *regexp.Regexp // command_matches_regex

	jar      string   // java_command_is_one_of.jar
	commands []string // java_command_is_one_of.commands

	kids []Condition // and / or
}

// Valid reports whether the condition was populated from YAML. The zero
// value (an omitted condition) is invalid.
func (c Condition) Valid() bool {
	return c.op != ""
}

// Operator names accepted in condition mappings.
const (
	opProcessNameIs       = "process_name_is"
	opProcessNameContains = "process_name_contains"
	opCommandContains     = "command_contains"
	opCommandNotContains  = "command_not_contains"
	opCommandMatchesRegex = "command_matches_regex"
	opArgsContain         = "args_contain"
	opArgsNotContain      = "args_not_contain"
	opMinArgs             = "min_args"
	opFirstArgIs          = "first_arg_is"
	opSubcommandIsOneOf   = "subcommand_is_one_of"
	opJavaCommandIsOneOf  = "java_command_is_one_of"
	opAnd                 = "and"
	opOr                  = "or"
)

// ErrRuleConfig marks malformed rule files: unknown operators, wrong operand
// shapes, uncompilable regexes. Load failures wrap it so callers can map them
// to a configuration exit code.
var ErrRuleConfig = errors.New("rule config error")

// javaCommand is the two-field operand of java_command_is_one_of.
type javaCommand struct {
	Jar      string   `yaml:"jar"`
	Commands []string `yaml:"commands"`
}

// UnmarshalYAML decodes a condition node. The node must be a mapping with
// exactly one key; the key selects the operator and the value supplies the
// operand(s).
func (c *Condition) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return fmt.Errorf("%w: condition must be a single-key mapping (line %d)", ErrRuleConfig, node.Line)
	}

	key := node.Content[0].Value
	val := node.Content[1]
	c.op = key

	switch key {
	case opProcessNameIs, opProcessNameContains,
		opCommandContains, opCommandNotContains,
		opArgsContain, opArgsNotContain,
		opFirstArgIs:
		if err := val.Decode(&c.str); err != nil {
			return fmt.Errorf("%w: %s expects a string (line %d): %v", ErrRuleConfig, key, val.Line, err)
		}

	case opCommandMatchesRegex:
		if err := val.Decode(&c.str); err != nil {
			return fmt.Errorf("%w: %s expects a string (line %d): %v", ErrRuleConfig, key, val.Line, err)
		}
		re, err := regexp.Compile(c.str)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrRuleConfig, key, err)
		}
		c.re = re

	case opMinArgs:
		if err := val.Decode(&c.num); err != nil {
			return fmt.Errorf("%w: %s expects an integer (line %d): %v", ErrRuleConfig, key, val.Line, err)
		}

	case opSubcommandIsOneOf:
		if err := val.Decode(&c.list); err != nil {
			return fmt.Errorf("%w: %s expects a string list (line %d): %v", ErrRuleConfig, key, val.Line, err)
		}

	case opJavaCommandIsOneOf:
		var jc javaCommand
		if err := val.Decode(&jc); err != nil {
			return fmt.Errorf("%w: %s expects {jar, commands} (line %d): %v", ErrRuleConfig, key, val.Line, err)
		}
		if jc.Jar == "" || len(jc.Commands) == 0 {
			return fmt.Errorf("%w: %s requires both jar and commands (line %d)", ErrRuleConfig, key, val.Line)
		}
		c.jar = jc.Jar
		c.commands = jc.Commands

	case opAnd, opOr:
		if err := val.Decode(&c.kids); err != nil {
			return fmt.Errorf("%w: %s expects a condition list (line %d): %v", ErrRuleConfig, key, val.Line, err)
		}
		if len(c.kids) == 0 {
			return fmt.Errorf("%w: %s requires at least one child (line %d)", ErrRuleConfig, key, val.Line)
		}

	default:
		return fmt.Errorf("%w: unknown operator %q (line %d)", ErrRuleConfig, key, node.Line)
	}

	return nil
}

// ruleFile is the top-level YAML document shape.
type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// Load reads the rule file at path and returns an Evaluator over its ordered
// rule list. Any structural problem — unreadable file, unknown operator,
// malformed operand — aborts with a diagnostic wrapping ErrRuleConfig.
func Load(path string) (*Evaluator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: %w: cannot read %q: %w", ErrRuleConfig, path, err)
	}
	return Parse(data)
}

// Parse builds an Evaluator from raw YAML bytes. Exposed for tests and for
// embedding rule documents.
func Parse(data []byte) (*Evaluator, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("rules: %w: %v", ErrRuleConfig, err)
	}

	var errs []error
	for i, r := range f.Rules {
		if r.RuleName == "" {
			errs = append(errs, fmt.Errorf("rules[%d]: rule_name is required", i))
		}
		if r.DisplayName == "" {
			errs = append(errs, fmt.Errorf("rules[%d] (%s): display_name is required", i, r.RuleName))
		}
		if r.Condition.op == "" {
			errs = append(errs, fmt.Errorf("rules[%d] (%s): condition is required", i, r.RuleName))
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("rules: %w: %v", ErrRuleConfig, errors.Join(errs...))
	}

	return &Evaluator{rules: f.Rules}, nil
}
