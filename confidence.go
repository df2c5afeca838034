package main

import (
	"regexp"
	"strconv"
	"strings"
)

// Violation is one detected requirement failure in a synthesized answer.
type Violation struct {
	Code    string `json:"code"`
	Detail  string `json:"detail"`
	Penalty int    `json:"penalty"`
}

// SynthesisReport carries the signals the confidence policy scores against.
type SynthesisReport struct {
	Query       string
	Answer      string
	VotesParsed int
	VotesTotal  int
}

// RequirementCheck inspects a synthesis against the original query and reports
// a violation, or nil when the requirement holds.
type RequirementCheck func(report SynthesisReport) *Violation

// ConfidencePolicy derives the final confidence score: the chairman's
// self-report (or Baseline when it gave none) minus the penalty of every
// detected violation, clamped to [0,100]. The checks are a tunable policy;
// swapping them never touches the orchestration core.
type ConfidencePolicy struct {
	Baseline int
	Checks   []RequirementCheck
}

// DefaultConfidencePolicy returns the stock calibration: confidence tracks
// verified correctness, not raw model self-assurance.
func DefaultConfidencePolicy() ConfidencePolicy {
	return ConfidencePolicy{
		Baseline: 50,
		Checks: []RequirementCheck{
			CheckNonEmptySynthesis,
			CheckRequiredSignature,
			CheckRequiredErrorPath,
			CheckRankingConsensus,
		},
	}
}

// Score computes the final confidence and the violations it was penalized for.
func (p ConfidencePolicy) Score(report SynthesisReport) (int, []Violation) {
	confidence, ok := ParseSelfReportedConfidence(report.Answer)
	if !ok {
		confidence = p.Baseline
	}

	var violations []Violation
	for _, check := range p.Checks {
		if v := check(report); v != nil {
			violations = append(violations, *v)
			confidence -= v.Penalty
		}
	}

	if confidence < 0 {
		confidence = 0
	}
	if confidence > 100 {
		confidence = 100
	}
	return confidence, violations
}

var (
	selfReportPattern = regexp.MustCompile(`(?mi)^\s*CONFIDENCE:\s*(\d{1,3})`)

	// requiredSignaturePattern matches a backticked signature the query
	// declares as required, e.g. "with the signature `def add(a, b) -> int`".
	requiredSignaturePattern = regexp.MustCompile("(?i)signature[^`\n]*`([^`]+)`")

	requiredErrorPathPattern = regexp.MustCompile(`(?i)must\s+(return|raise|throw)\s+(an?\s+)?(error|exception)`)

	errorPathEvidencePattern = regexp.MustCompile(`(?i)(error|exception|raise|throw|panic|\berr\b)`)
)

// ParseSelfReportedConfidence extracts the chairman's trailing
// "CONFIDENCE: NN" line. Second return is false when none is present.
func ParseSelfReportedConfidence(answer string) (int, bool) {
	match := selfReportPattern.FindStringSubmatch(answer)
	if match == nil {
		return 0, false
	}
	n, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}
	if n > 100 {
		n = 100
	}
	return n, true
}

// StripConfidenceLine removes the self-report line from the answer body so it
// never leaks into user-visible content.
func StripConfidenceLine(answer string) string {
	return strings.TrimSpace(selfReportPattern.ReplaceAllString(answer, ""))
}

// CheckNonEmptySynthesis flags an answer with no substantive content.
func CheckNonEmptySynthesis(report SynthesisReport) *Violation {
	if strings.TrimSpace(StripConfidenceLine(report.Answer)) == "" {
		return &Violation{
			Code:    "empty_synthesis",
			Detail:  "chairman produced no substantive content",
			Penalty: 50,
		}
	}
	return nil
}

// CheckRequiredSignature verifies that a function signature the query declares
// as required appears in the answer. Whitespace inside the signature is
// normalized before comparison since models reflow code freely.
func CheckRequiredSignature(report SynthesisReport) *Violation {
	match := requiredSignaturePattern.FindStringSubmatch(report.Query)
	if match == nil {
		return nil
	}
	required := normalizeSpace(match[1])
	if required == "" || strings.Contains(normalizeSpace(report.Answer), required) {
		return nil
	}
	return &Violation{
		Code:    "signature_mismatch",
		Detail:  "required signature not present: " + match[1],
		Penalty: 40,
	}
}

// CheckRequiredErrorPath verifies that an answer to a query demanding an
// error/exception path actually mentions one.
func CheckRequiredErrorPath(report SynthesisReport) *Violation {
	if !requiredErrorPathPattern.MatchString(report.Query) {
		return nil
	}
	if errorPathEvidencePattern.MatchString(report.Answer) {
		return nil
	}
	return &Violation{
		Code:    "missing_error_path",
		Detail:  "query requires error-path behavior the answer never addresses",
		Penalty: 25,
	}
}

// CheckRankingConsensus flags a synthesis built on weak peer consensus: fewer
// than half the voting members produced a parseable ranking.
func CheckRankingConsensus(report SynthesisReport) *Violation {
	if report.VotesTotal == 0 || report.VotesParsed*2 >= report.VotesTotal {
		return nil
	}
	return &Violation{
		Code:    "weak_consensus",
		Detail:  "fewer than half of the members cast a parseable ranking",
		Penalty: 10,
	}
}

// normalizeSpace collapses all whitespace runs to single spaces.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
