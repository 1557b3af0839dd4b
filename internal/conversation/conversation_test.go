package conversation

import (
	"strings"
	"testing"
	"time"

	"agentloop/internal/domain"
)

func fixedNow() time.Time {
	return time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)
}

func TestSortKeyExtractsPrefix(t *testing.T) {
	cases := []struct {
		filename string
		want     string
	}{
		{"20240115-0930-coda.md", "20240115-0930"},
		{"20240115-0930-coda-revision.md", "20240115-0930"},
		{"notes.md", "00000000-0000"},
		{"2024-partial.md", "00000000-0000"},
		{"", "00000000-0000"},
	}
	for _, c := range cases {
		if got := SortKey(c.filename); got != c.want {
			t.Fatalf("SortKey(%q)=%q want %q", c.filename, got, c.want)
		}
	}
}

func TestTimestampEmptyWhenUnparseable(t *testing.T) {
	if got := Timestamp("notes.md"); got != "" {
		t.Fatalf("Timestamp=%q want empty", got)
	}
	if got := Timestamp("20240115-0930-coda.md"); got != "20240115-0930" {
		t.Fatalf("Timestamp=%q want prefix", got)
	}
}

func TestSpeakerHeaderParsing(t *testing.T) {
	content := "<!-- speaker: opus -->\n\n## A reply\n\nbody"
	if got := Speaker(content); got != "opus" {
		t.Fatalf("Speaker=%q want opus", got)
	}
	if got := Speaker("no header here"); got != "unknown" {
		t.Fatalf("Speaker=%q want unknown", got)
	}
	if got := Speaker("<!--speaker:coda-->"); got != "coda" {
		t.Fatalf("Speaker=%q want coda (whitespace optional)", got)
	}
}

func TestSortMessagesSentinelFirst(t *testing.T) {
	msgs := []domain.Message{
		{Filename: "20240115-0930-coda.md"},
		{Filename: "readme-draft.md"},
		{Filename: "20240114-2200-opus.md"},
	}
	SortMessages(msgs)
	want := []string{"readme-draft.md", "20240114-2200-opus.md", "20240115-0930-coda.md"}
	for i, w := range want {
		if msgs[i].Filename != w {
			t.Fatalf("order[%d]=%s want %s", i, msgs[i].Filename, w)
		}
	}
}

func TestEnsureSpeakerHeader(t *testing.T) {
	got := EnsureSpeakerHeader("hello", "coda")
	if !strings.HasPrefix(got, "<!-- speaker: coda -->\n\n") {
		t.Fatalf("header not prepended: %q", got)
	}
	// Already present: unchanged.
	if again := EnsureSpeakerHeader(got, "coda"); again != got {
		t.Fatalf("header duplicated: %q", again)
	}
}

func TestGenerateFilename(t *testing.T) {
	h := &Handler{cfg: Config{Speaker: "coda"}.withDefaults(), now: fixedNow}
	if got := h.generateFilename(""); got != "20240115-0930-coda.md" {
		t.Fatalf("filename=%q", got)
	}
	if got := h.generateFilename("revision"); got != "20240115-0930-coda-revision.md" {
		t.Fatalf("filename with suffix=%q", got)
	}
}
