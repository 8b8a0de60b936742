package rules

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func view(argv ...string) ProcessView {
	name := ""
	if len(argv) > 0 {
		name = argv[0]
	}
	return ProcessView{
		ProcessName: name,
		Argv:        argv,
		Cmdline:     strings.Join(argv, " "),
	}
}

func mustParse(t *testing.T, doc string) *Evaluator {
	t.Helper()
	ev, err := Parse([]byte(doc))
	require.NoError(t, err)
	return ev
}

func TestEvaluate_FirstMatchWins(t *testing.T) {
	ev := mustParse(t, `
rules:
  - rule_name: bwa_mem
    display_name: "bwa mem"
    condition:
      and:
        - process_name_is: bwa
        - first_arg_is: mem
  - rule_name: bwa_any
    display_name: "bwa"
    condition:
      process_name_is: bwa
`)

	m, ok := ev.Evaluate(view("bwa", "mem", "ref.fa", "a.fq"))
	require.True(t, ok)
	assert.Equal(t, "bwa mem", m.DisplayName)
	assert.Equal(t, "bwa_mem", m.RuleName)

	m, ok = ev.Evaluate(view("bwa", "index", "ref.fa"))
	require.True(t, ok)
	assert.Equal(t, "bwa", m.DisplayName)
}

func TestEvaluate_SubcommandSubstitution(t *testing.T) {
	ev := mustParse(t, `
rules:
  - rule_name: samtools
    display_name: "samtools {subcommand}"
    condition:
      and:
        - process_name_is: samtools
        - subcommand_is_one_of: [sort, view, index]
`)

	m, ok := ev.Evaluate(view("samtools", "sort", "-o", "out.bam", "in.bam"))
	require.True(t, ok)
	assert.Equal(t, "samtools sort", m.DisplayName)

	// A subcommand outside the set is a miss.
	_, ok = ev.Evaluate(view("samtools", "flagstat", "in.bam"))
	assert.False(t, ok)
}

// A rule whose template needs {subcommand} but whose condition never captures
// a token must be treated as a miss, letting later rules match.
func TestEvaluate_MissingSubcommandIsMiss(t *testing.T) {
	ev := mustParse(t, `
rules:
  - rule_name: templated
    display_name: "samtools {subcommand}"
    condition:
      process_name_is: samtools
  - rule_name: fallback
    display_name: "samtools"
    condition:
      process_name_is: samtools
`)

	m, ok := ev.Evaluate(view("samtools", "sort"))
	require.True(t, ok)
	assert.Equal(t, "fallback", m.RuleName)
	assert.Equal(t, "samtools", m.DisplayName)
}

func TestEvaluate_JavaCommand(t *testing.T) {
	ev := mustParse(t, `
rules:
  - rule_name: picard
    display_name: "picard {subcommand}"
    condition:
      and:
        - process_name_is: java
        - java_command_is_one_of:
            jar: picard.jar
            commands: [MarkDuplicates, SortSam]
`)

	m, ok := ev.Evaluate(view("java", "-Xmx4g", "-jar", "/opt/picard/picard.jar", "MarkDuplicates", "I=in.bam"))
	require.True(t, ok)
	assert.Equal(t, "picard MarkDuplicates", m.DisplayName)

	_, ok = ev.Evaluate(view("java", "-jar", "/opt/picard/picard.jar", "CollectMetrics"))
	assert.False(t, ok)

	_, ok = ev.Evaluate(view("java", "-jar", "/opt/gatk/gatk.jar", "MarkDuplicates"))
	assert.False(t, ok, "wrong jar must not match")
}

// subcommand_is_one_of combined with java_command_is_one_of tests the jar-ed
// command token, not argv[1].
func TestEvaluate_SubcommandUsesJavaTokenWhenJavaRequired(t *testing.T) {
	ev := mustParse(t, `
rules:
  - rule_name: gatk
    display_name: "gatk {subcommand}"
    condition:
      and:
        - java_command_is_one_of:
            jar: gatk.jar
            commands: [HaplotypeCaller, Mutect2]
        - subcommand_is_one_of: [HaplotypeCaller]
`)

	m, ok := ev.Evaluate(view("java", "-jar", "gatk.jar", "HaplotypeCaller", "-R", "ref.fa"))
	require.True(t, ok)
	assert.Equal(t, "gatk HaplotypeCaller", m.DisplayName)

	_, ok = ev.Evaluate(view("java", "-jar", "gatk.jar", "Mutect2"))
	assert.False(t, ok, "subcommand_is_one_of must constrain the java token")
}

func TestEvaluate_Leaves(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		v    ProcessView
		want bool
	}{
		{"process_name_contains", `{process_name_contains: tool}`, view("STAR-tools"), true},
		{"command_contains", `{command_contains: "--runMode"}`, view("STAR", "--runMode", "alignReads"), true},
		{"command_not_contains hit", `{command_not_contains: "--dry-run"}`, view("STAR", "--runMode"), true},
		{"command_not_contains miss", `{command_not_contains: "--runMode"}`, view("STAR", "--runMode"), false},
		{"command_matches_regex", `{command_matches_regex: "fastqc\\s+-o\\s+\\S+"}`, view("fastqc", "-o", "qc/"), true},
		{"regex unanchored", `{command_matches_regex: "mem"}`, view("bwa", "mem"), true},
		{"args_contain", `{args_contain: "--paired"}`, view("trim_galore", "--paired", "a.fq"), true},
		{"args_not_contain", `{args_not_contain: "--paired"}`, view("trim_galore", "a.fq"), true},
		{"min_args met", `{min_args: 3}`, view("bcftools", "call", "-m"), true},
		{"min_args unmet", `{min_args: 4}`, view("bcftools", "call", "-m"), false},
		{"first_arg_is", `{first_arg_is: quant}`, view("salmon", "quant", "-i", "idx"), true},
		{"first_arg_is no args", `{first_arg_is: quant}`, view("salmon"), false},
		{"case sensitive", `{process_name_is: Samtools}`, view("samtools"), false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev := mustParse(t, "rules:\n  - rule_name: r\n    display_name: d\n    condition: "+tc.doc+"\n")
			_, ok := ev.Evaluate(tc.v)
			assert.Equal(t, tc.want, ok)
		})
	}
}

func TestEvaluate_OrShortCircuits(t *testing.T) {
	ev := mustParse(t, `
rules:
  - rule_name: either
    display_name: d
    condition:
      or:
        - process_name_is: hisat2
        - process_name_is: bowtie2
`)
	_, ok := ev.Evaluate(view("bowtie2", "-x", "idx"))
	assert.True(t, ok)
	_, ok = ev.Evaluate(view("minimap2"))
	assert.False(t, ok)
}

func TestEvaluate_NoMatchLeavesUnclassified(t *testing.T) {
	ev := mustParse(t, `
rules:
  - rule_name: only
    display_name: d
    condition: {process_name_is: bwa}
`)
	_, ok := ev.Evaluate(view("sleep", "30"))
	assert.False(t, ok)
}

func TestParse_Errors(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"unknown operator", "rules:\n  - rule_name: r\n    display_name: d\n    condition: {frobnicate: x}\n"},
		{"multi-key condition", "rules:\n  - rule_name: r\n    display_name: d\n    condition: {process_name_is: a, min_args: 2}\n"},
		{"bad regex", "rules:\n  - rule_name: r\n    display_name: d\n    condition: {command_matches_regex: '(['}\n"},
		{"empty and", "rules:\n  - rule_name: r\n    display_name: d\n    condition: {and: []}\n"},
		{"missing rule_name", "rules:\n  - display_name: d\n    condition: {min_args: 1}\n"},
		{"java missing jar", "rules:\n  - rule_name: r\n    display_name: d\n    condition:\n      java_command_is_one_of:\n        commands: [a]\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrRuleConfig)
		})
	}
}

func TestEvalCondition_Standalone(t *testing.T) {
	ev := mustParse(t, `
rules:
  - rule_name: r
    display_name: d
    condition: {args_contain: "--template-coordinate"}
`)
	c := ev.Rules()[0].Condition
	assert.True(t, EvalCondition(c, view("samtools", "sort", "--template-coordinate", "in.bam")))
	assert.False(t, EvalCondition(c, view("samtools", "sort", "in.bam")))
}
