// Package analyzer turns raw build-tool output into structured,
// deduplicated error intelligence: per-line error records plus per-code
// pattern statistics. Matching is line-oriented regex extraction per
// known code family; unmatched lines are ignored.
package analyzer

import (
	"bufio"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"buildfix/pkg/models"
)

// maxExamples caps the raw example lines kept per pattern.
const maxExamples = 3

// errorIndicator counts lines that signal any error or failure, with or
// without a recognized code. TotalErrors derived from it may exceed the
// number of coded records; the divergence is deliberate because some
// tools do not always emit a code.
var errorIndicator = regexp.MustCompile(`(?i)\berrors?\b|\bfailed\b`)

var (
	// MSBuild: Path\File.cs(12,34): error CS0246: message
	csharpFull = regexp.MustCompile(`^(.*?)\((\d+),(\d+)\):\s*(error|warning)\s+(CS\d{4}):?\s*(.*)$`)
	csharpBare = regexp.MustCompile(`\b(error|warning)\s+(CS\d{4})\b:?\s*(.*)$`)

	// tsc: file.ts(12,34): error TS2304: message
	tsFull = regexp.MustCompile(`^(.*?)\((\d+),(\d+)\):\s*(error|warning)\s+(TS\d+):\s*(.*)$`)
	tsBare = regexp.MustCompile(`\b(error|warning)\s+(TS\d+)\b:?\s*(.*)$`)

	// go build: file.go:12:34: undefined: Foo
	goLine = regexp.MustCompile(`^(.+\.go):(\d+):(\d+):\s*(.+)$`)

	// rustc: error[E0425]: cannot find value
	rustLine = regexp.MustCompile(`^(error|warning)\[(E\d{4})\]:\s*(.+)$`)

	// python tracebacks: TypeError: message
	pythonLine = regexp.MustCompile(`^(\w+(?:Error|Exception|Warning)):\s*(.+)$`)

	// generic compilers: file:line:col: error: message
	genericLine = regexp.MustCompile(`^(.+?):(\d+):(\d+):\s*(error|warning):?\s*(.+)$`)

	// bare code token inside otherwise free-form lines
	genericCode = regexp.MustCompile(`\b([A-Z]{1,3}\d{3,5})\b`)
)

// Language identifiers understood by the analyzer.
const (
	LangCSharp     = "csharp"
	LangTypeScript = "typescript"
	LangGo         = "go"
	LangRust       = "rust"
	LangPython     = "python"
	LangGeneric    = "generic"
)

// Analyzer extracts error records and patterns from raw tool output.
type Analyzer struct {
	fixable func(code string) bool
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithFixability supplies the predicate that marks patterns as fixable.
// Typically wired to the strategy policy table.
func WithFixability(f func(code string) bool) Option {
	return func(a *Analyzer) { a.fixable = f }
}

// New creates an Analyzer.
func New(opts ...Option) *Analyzer {
	a := &Analyzer{}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// DetectLanguage guesses the tool language from recognizable error-code
// shapes in the raw output.
func DetectLanguage(raw string) string {
	switch {
	case csharpBare.MatchString(raw):
		return LangCSharp
	case tsBare.MatchString(raw):
		return LangTypeScript
	case rustLine.MatchString(raw):
		return LangRust
	case regexp.MustCompile(`(?m)^.+\.go:\d+:\d+:`).MatchString(raw):
		return LangGo
	case regexp.MustCompile(`(?m)^\w+(?:Error|Exception):`).MatchString(raw):
		return LangPython
	default:
		return LangGeneric
	}
}

// Analyze parses raw output for the given language (auto-detected when
// empty) and returns records, counts, and the full pattern set. It has no
// side effects; persistence is the caller's responsibility.
func (a *Analyzer) Analyze(raw, langHint string) *models.AnalysisResult {
	lang := langHint
	if lang == "" {
		lang = DetectLanguage(raw)
	}

	var (
		records     []models.ErrorRecord
		totalErrors int
	)

	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		rec, ok := parseLine(lang, line)
		if ok {
			records = append(records, rec)
		}
		// A recognized record always counts, even when the tool omits
		// the literal word (go build, tracebacks). Indicator-only lines
		// keep TotalErrors >= the coded sum.
		if ok || errorIndicator.MatchString(line) {
			totalErrors++
		}
	}

	return &models.AnalysisResult{
		Language:    lang,
		TotalErrors: totalErrors,
		Records:     records,
		Patterns:    a.Aggregate(records, totalErrors),
	}
}

func parseLine(lang, line string) (models.ErrorRecord, bool) {
	switch lang {
	case LangCSharp:
		if m := csharpFull.FindStringSubmatch(line); m != nil {
			return recordAt(m[5], m[6], m[1], m[2], m[3], m[4], line), true
		}
		if m := csharpBare.FindStringSubmatch(line); m != nil {
			return record(m[2], m[3], m[1], line), true
		}
	case LangTypeScript:
		if m := tsFull.FindStringSubmatch(line); m != nil {
			return recordAt(m[5], m[6], m[1], m[2], m[3], m[4], line), true
		}
		if m := tsBare.FindStringSubmatch(line); m != nil {
			return record(m[2], m[3], m[1], line), true
		}
	case LangGo:
		if m := goLine.FindStringSubmatch(line); m != nil {
			return recordAt(classifyGoMessage(m[4]), m[4], m[1], m[2], m[3], "error", line), true
		}
	case LangRust:
		if m := rustLine.FindStringSubmatch(line); m != nil {
			return record(m[2], m[3], m[1], line), true
		}
	case LangPython:
		if m := pythonLine.FindStringSubmatch(line); m != nil {
			sev := "error"
			if strings.HasSuffix(m[1], "Warning") {
				sev = "warning"
			}
			return record(m[1], m[2], sev, line), true
		}
	default:
		if m := genericLine.FindStringSubmatch(line); m != nil {
			code := m[4]
			if c := genericCode.FindString(m[5]); c != "" {
				code = c
			}
			return recordAt(code, m[5], m[1], m[2], m[3], m[4], line), true
		}
	}
	return models.ErrorRecord{}, false
}

func record(code, message, severity, raw string) models.ErrorRecord {
	return models.ErrorRecord{
		Code:     code,
		Message:  strings.TrimSpace(message),
		Severity: toSeverity(severity),
		Raw:      raw,
	}
}

func recordAt(code, message, file, lineNo, col, severity, raw string) models.ErrorRecord {
	rec := record(code, message, severity, raw)
	rec.File = file
	rec.Line, _ = strconv.Atoi(lineNo)
	rec.Column, _ = strconv.Atoi(col)
	return rec
}

func toSeverity(s string) models.Severity {
	if strings.EqualFold(s, "warning") {
		return models.SeverityWarning
	}
	return models.SeverityError
}

// classifyGoMessage maps a go build message to a stable code, since the
// compiler emits none.
func classifyGoMessage(msg string) string {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "undefined"):
		return "go-undefined"
	case strings.Contains(lower, "imported and not used"):
		return "go-unused-import"
	case strings.Contains(lower, "declared and not used"),
		strings.Contains(lower, "declared but not used"):
		return "go-unused-variable"
	case strings.Contains(lower, "cannot use"):
		return "go-type-mismatch"
	case strings.Contains(lower, "not enough arguments"),
		strings.Contains(lower, "too many arguments"):
		return "go-argument-count"
	case strings.Contains(lower, "missing return"):
		return "go-missing-return"
	default:
		return "go-compile-error"
	}
}

// Aggregate groups records by code into patterns sorted by descending
// count (code ascending on ties, for deterministic output). Percentage is
// count over totalErrors.
func (a *Analyzer) Aggregate(records []models.ErrorRecord, totalErrors int) []models.ErrorPattern {
	byCode := make(map[string]*models.ErrorPattern)
	for _, rec := range records {
		p, ok := byCode[rec.Code]
		if !ok {
			p = &models.ErrorPattern{Code: rec.Code}
			if a.fixable != nil {
				p.Fixable = a.fixable(rec.Code)
			}
			byCode[rec.Code] = p
		}
		p.Count++
		if len(p.Examples) < maxExamples {
			p.Examples = append(p.Examples, rec.Raw)
		}
	}

	patterns := make([]models.ErrorPattern, 0, len(byCode))
	for _, p := range byCode {
		if totalErrors > 0 {
			p.Percentage = float64(p.Count) / float64(totalErrors)
		}
		patterns = append(patterns, *p)
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Count != patterns[j].Count {
			return patterns[i].Count > patterns[j].Count
		}
		return patterns[i].Code < patterns[j].Code
	})
	return patterns
}
