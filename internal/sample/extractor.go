// Package sample implements the data-sample extractor: a heuristic scan of
// process argument vectors for references to data files (reads, alignments,
// variant calls, annotations) that identifies which inputs a pipeline step
// consumed.
package sample

import (
	"strings"
)

// DefaultSuffixes are the data-file suffixes recognised out of the box. The
// set is configurable; these cover the common sequencing formats and their
// gzipped variants.
var DefaultSuffixes = []string{
	".fa", ".fasta", ".fq", ".fastq", ".fq.gz", ".fastq.gz",
	".bam", ".sam", ".cram", ".vcf", ".vcf.gz", ".bed", ".gtf", ".gff",
}

// MaxPerProcess bounds how many distinct samples one lifetime may report.
const MaxPerProcess = 8

// Extractor scans argv tokens for data-file references. It is immutable
// after construction and safe for concurrent use.
type Extractor struct {
	suffixes []string
}

// NewExtractor creates an Extractor for the given suffix set. An empty set
// selects DefaultSuffixes.
func NewExtractor(suffixes []string) *Extractor {
	if len(suffixes) == 0 {
		suffixes = DefaultSuffixes
	}
	return &Extractor{suffixes: suffixes}
}

// Extract returns up to MaxPerProcess distinct argv tokens that look like
// data-file references: tokens that are not flag-like and either end in a
// known data suffix or contain a slash with a dotted last component. Bare
// directory references ("results/") and extension-less paths do not qualify.
// argv[0] (the program itself) is never a sample.
func (e *Extractor) Extract(argv []string) []string {
	if len(argv) < 2 {
		return nil
	}

	var out []string
	seen := make(map[string]bool)
	for _, tok := range argv[1:] {
		if len(out) >= MaxPerProcess {
			break
		}
		if !e.isDataPath(tok) || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}

// isDataPath applies the heuristic from the extractor contract: flag-like
// tokens are rejected first, then a token qualifies by carrying a known data
// suffix, or by being a path that names a file-looking component.
func (e *Extractor) isDataPath(tok string) bool {
	if tok == "" || strings.HasPrefix(tok, "-") {
		return false
	}
	for _, suf := range e.suffixes {
		if strings.HasSuffix(tok, suf) {
			return true
		}
	}
	if !strings.Contains(tok, "/") {
		return false
	}
	// A bare directory reference ("/tmp/", "results/") is not a data file.
	base := tok[strings.LastIndexByte(tok, '/')+1:]
	return base != "" && strings.Contains(base, ".")
}
