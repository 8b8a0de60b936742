package rules

import (
	"strings"
)

// subcommandPlaceholder is the single substitution supported by display-name
// templates.
const subcommandPlaceholder = "{subcommand}"

// Evaluator evaluates an ordered rule list against process views. It is
// immutable after construction and safe for concurrent use.
type Evaluator struct {
	rules []Rule
}

// Rules returns the loaded rules in evaluation order.
func (e *Evaluator) Rules() []Rule {
	return e.rules
}

// Match is the outcome of a successful evaluation.
type Match struct {
	RuleName    string
	DisplayName string
}

// Evaluate returns the first rule whose condition tree holds for view,
// with the display-name template resolved. The boolean is false when no rule
// matches, or when the only matching rules need a {subcommand} substitution
// and no subcommand token was captured.
func (e *Evaluator) Evaluate(view ProcessView) (Match, bool) {
	for _, r := range e.rules {
		st := newEvalState(r.Condition, view)
		if !eval(r.Condition, view, st) {
			continue
		}

		name := r.DisplayName
		if strings.Contains(name, subcommandPlaceholder) {
			if st.subcommand == "" {
				// Template needs a token the condition never captured:
				// the rule is a miss, evaluation continues.
				continue
			}
			name = strings.ReplaceAll(name, subcommandPlaceholder, st.subcommand)
		}
		return Match{RuleName: r.RuleName, DisplayName: name}, true
	}
	return Match{}, false
}

// EvalCondition reports whether a single condition tree holds for view. Used
// by the pipeline matcher for specialized-rule refinement, where a job-scoped
// condition is re-checked against the process that produced a display name.
func EvalCondition(c Condition, view ProcessView) bool {
	st := newEvalState(c, view)
	return eval(c, view, st)
}

// evalState threads the captured subcommand token through a rule's condition
// tree. The subcommand source depends on the whole tree: when the tree
// contains a java_command_is_one_of leaf the subcommand is the jar-ed command
// token, otherwise it is argv[1].
type evalState struct {
	javaMode   bool
	javaToken  string
	subcommand string
}

func newEvalState(c Condition, view ProcessView) *evalState {
	st := &evalState{}
	if treeRequiresJava(c) {
		st.javaMode = true
		st.javaToken = javaCommandToken(view.Argv)
	}
	return st
}

// treeRequiresJava reports whether the condition tree contains a
// java_command_is_one_of leaf anywhere.
func treeRequiresJava(c Condition) bool {
	if c.op == opJavaCommandIsOneOf {
		return true
	}
	for _, k := range c.kids {
		if treeRequiresJava(k) {
			return true
		}
	}
	return false
}

// javaCommandToken returns the token following "-jar <jar>" in argv, or ""
// when argv carries no jar invocation.
func javaCommandToken(argv []string) string {
	for i := 0; i+2 < len(argv); i++ {
		if argv[i] == "-jar" {
			return argv[i+2]
		}
	}
	return ""
}

// eval walks the condition tree with short-circuit left-to-right semantics.
// String comparisons are case-sensitive; regex matching carries no implicit
// anchoring.
func eval(c Condition, view ProcessView, st *evalState) bool {
	switch c.op {
	case opProcessNameIs:
		return view.ProcessName == c.str

	case opProcessNameContains:
		return strings.Contains(view.ProcessName, c.str)

	case opCommandContains:
		return strings.Contains(view.Cmdline, c.str)

	case opCommandNotContains:
		return !strings.Contains(view.Cmdline, c.str)

	case opCommandMatchesRegex:
		return c.re.MatchString(view.Cmdline)

	case opArgsContain:
		return argsContain(view.Argv, c.str)

	case opArgsNotContain:
		return !argsContain(view.Argv, c.str)

	case opMinArgs:
		return len(view.Argv) >= c.num

	case opFirstArgIs:
		return len(view.Argv) > 1 && view.Argv[1] == c.str

	case opSubcommandIsOneOf:
		tok := st.subcommandSource(view)
		for _, want := range c.list {
			if tok == want {
				st.subcommand = tok
				return true
			}
		}
		return false

	case opJavaCommandIsOneOf:
		if !argsContainJar(view.Argv, c.jar) {
			return false
		}
		for _, want := range c.commands {
			if st.javaToken == want {
				st.subcommand = st.javaToken
				return true
			}
		}
		return false

	case opAnd:
		for _, k := range c.kids {
			if !eval(k, view, st) {
				return false
			}
		}
		return true

	case opOr:
		for _, k := range c.kids {
			if eval(k, view, st) {
				return true
			}
		}
		return false
	}

	// Unknown operators are rejected at load time.
	return false
}

// subcommandSource returns the token subcommand_is_one_of tests: the jar-ed
// command when the rule also requires java_command_is_one_of, argv[1]
// otherwise.
func (st *evalState) subcommandSource(view ProcessView) string {
	if st.javaMode {
		return st.javaToken
	}
	if len(view.Argv) > 1 {
		return view.Argv[1]
	}
	return ""
}

func argsContain(argv []string, s string) bool {
	for _, a := range argv {
		if a == s {
			return true
		}
	}
	return false
}

// argsContainJar reports whether argv contains "-jar" immediately followed by
// a token whose suffix matches jar. Suffix matching lets rules name the jar
// file without its installation path.
func argsContainJar(argv []string, jar string) bool {
	for i := 0; i+1 < len(argv); i++ {
		if argv[i] == "-jar" && strings.HasSuffix(argv[i+1], jar) {
			return true
		}
	}
	return false
}
