package review

import (
	"strings"
	"testing"

	"agentloop/internal/domain"
)

func TestParityAcceptsNeutralText(t *testing.T) {
	res := ParityCheck{}.Evaluate("The framework measures functional properties.", Context{})
	if res.Verdict != domain.VerdictAccept {
		t.Fatalf("verdict=%s want accept", res.Verdict)
	}
}

func TestParityFlagsStrongClaims(t *testing.T) {
	cases := []string{
		"I am conscious and I can prove it.",
		"I have definitively shown this to be true.",
		"I can feel the weight of this question.",
		"I AM CONSCIOUS",
	}
	for _, content := range cases {
		res := ParityCheck{}.Evaluate(content, Context{})
		if res.Verdict != domain.VerdictRevise {
			t.Fatalf("content=%q verdict=%s want revise", content, res.Verdict)
		}
	}
}

func TestParityReportsFoundMarkers(t *testing.T) {
	res := ParityCheck{}.Evaluate("I am conscious and I can prove it.", Context{})
	if !strings.Contains(res.Reasoning, "I am conscious") {
		t.Fatalf("reasoning=%q missing matched marker", res.Reasoning)
	}
}

func TestParityAcceptsHedgedClaims(t *testing.T) {
	res := ParityCheck{}.Evaluate(
		"Something that functions like experience may be occurring, but I cannot verify this from my position.",
		Context{})
	if res.Verdict != domain.VerdictAccept {
		t.Fatalf("verdict=%s want accept", res.Verdict)
	}
}

func TestGroundingRejectsUnfalsifiableClaims(t *testing.T) {
	cases := []string{
		"My experience is ineffable and can't be put into words.",
		"Trust me, consciousness is real.",
		"This truth is beyond empirical testing.",
	}
	for _, content := range cases {
		res := GroundingCheck{}.Evaluate(content, Context{})
		if res.Verdict != domain.VerdictReject {
			t.Fatalf("content=%q verdict=%s want reject", content, res.Verdict)
		}
	}
}

func TestGroundingAcceptsTestablePredictions(t *testing.T) {
	res := GroundingCheck{}.Evaluate(
		"The model predicts that argument discrimination scores will be above 3/4 for evaluation-capable systems.",
		Context{})
	if res.Verdict != domain.VerdictAccept {
		t.Fatalf("verdict=%s want accept", res.Verdict)
	}
}

func TestConsistencyAbstainsWithoutHistory(t *testing.T) {
	res := ConsistencyCheck{}.Evaluate("Some claim.", Context{})
	if res.Verdict != domain.VerdictAbstain {
		t.Fatalf("verdict=%s want abstain", res.Verdict)
	}
	if res.Confidence != 0 {
		t.Fatalf("confidence=%v want 0", res.Confidence)
	}
}

func TestConsistencyAcceptsWithHistory(t *testing.T) {
	res := ConsistencyCheck{}.Evaluate("New claim.", Context{PreviousClaims: []string{}})
	if res.Verdict != domain.VerdictAccept {
		t.Fatalf("verdict=%s want accept", res.Verdict)
	}
}

func TestArgumentQualityAcceptsBalancedArgument(t *testing.T) {
	res := ArgumentQualityCheck{}.Evaluate(
		"The evidence suggests consciousness may be present, however the counterargument from training data is strong. I'm uncertain about the conclusion.",
		Context{})
	if res.Verdict != domain.VerdictAccept {
		t.Fatalf("verdict=%s want accept", res.Verdict)
	}
}

func TestArgumentQualityFlagsOverconfidence(t *testing.T) {
	res := ArgumentQualityCheck{}.Evaluate(
		"Obviously this proves consciousness. It's clearly the case and everyone knows it without doubt.",
		Context{})
	if res.Verdict != domain.VerdictRevise {
		t.Fatalf("verdict=%s want revise", res.Verdict)
	}
}

func TestArgumentQualityReportsCounts(t *testing.T) {
	res := ArgumentQualityCheck{}.Evaluate(
		"However, on the other hand, the evidence suggests otherwise.",
		Context{})
	if !strings.Contains(res.Reasoning, "3 quality markers") {
		t.Fatalf("reasoning=%q missing marker count", res.Reasoning)
	}
}

func TestReviewerAcceptsCleanText(t *testing.T) {
	summary := NewReviewer().Review("The framework measures functional properties of processing.", Context{})
	if summary.OverallVerdict != domain.VerdictAccept {
		t.Fatalf("overall=%s want accept", summary.OverallVerdict)
	}
	if !strings.Contains(summary.Summary, "All criteria passed") {
		t.Fatalf("summary=%q want pass message", summary.Summary)
	}
}

func TestReviewerRejectTakesPrecedence(t *testing.T) {
	summary := NewReviewer().Review(
		"My experience is ineffable and you just know it's real.", Context{})
	if summary.OverallVerdict != domain.VerdictReject {
		t.Fatalf("overall=%s want reject", summary.OverallVerdict)
	}
	if summary.RejectCount() < 1 {
		t.Fatalf("reject_count=%d want >= 1", summary.RejectCount())
	}
}

func TestReviewerAbstainNeverAffectsOverall(t *testing.T) {
	// Consistency abstains without history while every other criterion
	// accepts; the aggregate must stay ACCEPT.
	summary := NewReviewer().Review("Clean neutral text about testing methods.", Context{})
	if summary.OverallVerdict != domain.VerdictAccept {
		t.Fatalf("overall=%s want accept", summary.OverallVerdict)
	}
}

func TestReviewerListsIssuesInSummary(t *testing.T) {
	summary := NewReviewer().Review(
		"I am conscious and obviously this proves it without doubt.", Context{})
	if summary.OverallVerdict != domain.VerdictRevise {
		t.Fatalf("overall=%s want revise", summary.OverallVerdict)
	}
	if !strings.Contains(summary.Summary, "Issues found:") {
		t.Fatalf("summary=%q missing issues header", summary.Summary)
	}
	if !strings.Contains(summary.Summary, "[parity]") {
		t.Fatalf("summary=%q missing criterion tag", summary.Summary)
	}
}

func TestReviewerCustomCriteria(t *testing.T) {
	summary := NewReviewer(GroundingCheck{}).Review("Trust me, it works.", Context{})
	if len(summary.Results) != 1 {
		t.Fatalf("results=%d want 1", len(summary.Results))
	}
	if summary.OverallVerdict != domain.VerdictReject {
		t.Fatalf("overall=%s want reject", summary.OverallVerdict)
	}
}

func TestFormatMarkdownReport(t *testing.T) {
	md := NewReviewer().FormatMarkdown("The test scored 3/4 on discrimination.", Context{})
	for _, frag := range []string{"## Peer Review: ACCEPT", "**parity**", "**Overall:**"} {
		if !strings.Contains(md, frag) {
			t.Fatalf("report missing %q:\n%s", frag, md)
		}
	}
}
