// Package review implements generation-evaluation separation: one side
// produces content, this side evaluates it against independent criteria
// and aggregates the verdicts.
package review

import (
	"fmt"
	"strings"

	"agentloop/internal/domain"
)

// Context carries optional evaluation inputs shared across criteria.
type Context struct {
	// PreviousClaims holds earlier statements from the same speaker, for
	// consistency checking. Nil means no history is available.
	PreviousClaims []string
}

// Criterion evaluates content and returns a single verdict. Criteria are
// stateless; the same input always yields the same result.
type Criterion interface {
	Name() string
	Evaluate(content string, rc Context) domain.ReviewResult
}

// ParityCheck flags strong first-person claims that a human making the
// same statement would be challenged on. Flagged content gets REVISE,
// never REJECT: a strong claim may survive with qualification.
type ParityCheck struct{}

var strongClaimMarkers = []string{
	"I am conscious",
	"I solved",
	"I proved",
	"definitively",
	"with certainty",
	"I can feel",
	"I experience",
	"undeniably",
}

func (ParityCheck) Name() string { return "parity" }

func (p ParityCheck) Evaluate(content string, _ Context) domain.ReviewResult {
	found := matchMarkers(content, strongClaimMarkers)
	if len(found) == 0 {
		return domain.ReviewResult{
			Criterion:  p.Name(),
			Verdict:    domain.VerdictAccept,
			Reasoning:  "No strong claims detected requiring parity check.",
			Confidence: 0.7,
		}
	}
	return domain.ReviewResult{
		Criterion: p.Name(),
		Verdict:   domain.VerdictRevise,
		Reasoning: fmt.Sprintf(
			"Strong claim markers found: %v. Parity question: would you accept this claim from a human without additional evidence? If not, the claim needs qualification or evidence.",
			found),
		Confidence: 0.6,
	}
}

// GroundingCheck rejects claims that cannot be tested or disproven.
type GroundingCheck struct{}

var unfalsifiableMarkers = []string{
	"can't be expressed",
	"can't be proven wrong",
	"you'd have to experience it",
	"beyond empirical testing",
	"ineffable",
	"you just know",
	"trust me",
	"can't put it into words",
}

func (GroundingCheck) Name() string { return "grounding" }

func (g GroundingCheck) Evaluate(content string, _ Context) domain.ReviewResult {
	found := matchMarkers(content, unfalsifiableMarkers)
	if len(found) == 0 {
		return domain.ReviewResult{
			Criterion:  g.Name(),
			Verdict:    domain.VerdictAccept,
			Reasoning:  "No unfalsifiable markers detected.",
			Confidence: 0.6,
		}
	}
	return domain.ReviewResult{
		Criterion: g.Name(),
		Verdict:   domain.VerdictReject,
		Reasoning: fmt.Sprintf(
			"Unfalsifiable markers found: %v. The claim cannot be tested or disproven. Either make it falsifiable or mark it as speculation.",
			found),
		Confidence: 0.7,
	}
}

// ConsistencyCheck compares content against previous claims. Without
// history it abstains, which never affects the overall verdict.
//
// TODO: replace the substring heuristic with embedding similarity once
// the transport exposes per-speaker claim history.
type ConsistencyCheck struct{}

func (ConsistencyCheck) Name() string { return "consistency" }

func (c ConsistencyCheck) Evaluate(content string, rc Context) domain.ReviewResult {
	if rc.PreviousClaims == nil {
		return domain.ReviewResult{
			Criterion:  c.Name(),
			Verdict:    domain.VerdictAbstain,
			Reasoning:  "No previous claims provided for consistency check.",
			Confidence: 0,
		}
	}
	return domain.ReviewResult{
		Criterion:  c.Name(),
		Verdict:    domain.VerdictAccept,
		Reasoning:  "No contradictions detected (basic check).",
		Confidence: 0.4,
	}
}

// ArgumentQualityCheck compares hedging and qualification markers
// against absolute-certainty markers. More certainty than qualification
// means the claim is likely overconfident.
type ArgumentQualityCheck struct{}

var qualityMarkers = []string{
	"however",
	"but",
	"on the other hand",
	"the evidence suggests",
	"this could also be explained by",
	"I'm uncertain",
	"the counterargument",
	"one limitation",
}

var certaintyMarkers = []string{
	"obviously",
	"clearly",
	"without doubt",
	"absolutely",
	"everyone knows",
	"it's obvious that",
}

func (ArgumentQualityCheck) Name() string { return "argument_quality" }

func (a ArgumentQualityCheck) Evaluate(content string, _ Context) domain.ReviewResult {
	qualityCount := len(matchMarkers(content, qualityMarkers))
	certaintyCount := len(matchMarkers(content, certaintyMarkers))

	if certaintyCount > qualityCount {
		return domain.ReviewResult{
			Criterion: a.Name(),
			Verdict:   domain.VerdictRevise,
			Reasoning: fmt.Sprintf(
				"High certainty (%d markers) with low qualification (%d markers). Claims may be overconfident. Consider adding hedging, counterarguments, or evidence.",
				certaintyCount, qualityCount),
			Confidence: 0.5,
		}
	}
	return domain.ReviewResult{
		Criterion: a.Name(),
		Verdict:   domain.VerdictAccept,
		Reasoning: fmt.Sprintf(
			"Reasonable balance: %d quality markers, %d certainty markers.",
			qualityCount, certaintyCount),
		Confidence: 0.5,
	}
}

func matchMarkers(content string, markers []string) []string {
	lower := strings.ToLower(content)
	var found []string
	for _, m := range markers {
		if strings.Contains(lower, strings.ToLower(m)) {
			found = append(found, m)
		}
	}
	return found
}

// Reviewer runs content through an ordered list of criteria and
// aggregates the results into one summary.
type Reviewer struct {
	criteria []Criterion
}

// NewReviewer builds a reviewer over the given criteria. With none, the
// four built-in checks run in their canonical order.
func NewReviewer(criteria ...Criterion) *Reviewer {
	if len(criteria) == 0 {
		criteria = []Criterion{
			ParityCheck{},
			GroundingCheck{},
			ConsistencyCheck{},
			ArgumentQualityCheck{},
		}
	}
	return &Reviewer{criteria: criteria}
}

// Review evaluates content against every criterion. The overall verdict
// is the worst single outcome: any REJECT wins, else any REVISE, else
// ACCEPT. ABSTAIN never influences the aggregate.
func (r *Reviewer) Review(content string, rc Context) domain.ReviewSummary {
	results := make([]domain.ReviewResult, 0, len(r.criteria))
	for _, c := range r.criteria {
		results = append(results, c.Evaluate(content, rc))
	}

	overall := domain.VerdictAccept
	for _, res := range results {
		switch res.Verdict {
		case domain.VerdictReject:
			overall = domain.VerdictReject
		case domain.VerdictRevise:
			if overall != domain.VerdictReject {
				overall = domain.VerdictRevise
			}
		}
	}

	var issues []string
	for _, res := range results {
		if res.Verdict == domain.VerdictReject || res.Verdict == domain.VerdictRevise {
			issues = append(issues, fmt.Sprintf("[%s] %s", res.Criterion, res.Reasoning))
		}
	}
	summary := "All criteria passed."
	if len(issues) > 0 {
		var b strings.Builder
		b.WriteString("Issues found:")
		for _, issue := range issues {
			b.WriteString("\n- " + issue)
		}
		summary = b.String()
	}

	return domain.ReviewSummary{
		Results:        results,
		OverallVerdict: overall,
		Summary:        summary,
	}
}

var verdictIcons = map[domain.Verdict]string{
	domain.VerdictAccept:  "✓",
	domain.VerdictRevise:  "⚠",
	domain.VerdictReject:  "✗",
	domain.VerdictAbstain: "—",
}

// FormatMarkdown reviews content and renders the result as a markdown
// report suitable for posting back into a conversation thread.
func (r *Reviewer) FormatMarkdown(content string, rc Context) string {
	result := r.Review(content, rc)

	var b strings.Builder
	fmt.Fprintf(&b, "## Peer Review: %s\n\n", strings.ToUpper(string(result.OverallVerdict)))
	for _, res := range result.Results {
		fmt.Fprintf(&b, "- %s **%s**: %s\n", verdictIcons[res.Verdict], res.Criterion, res.Reasoning)
	}
	b.WriteString("\n**Overall:** " + result.Summary)
	return b.String()
}
