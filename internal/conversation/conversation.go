// Package conversation implements the PR-based conversation transport:
// each message is a markdown file in a thread directory, each post is a
// branch pushed to a fork and opened as a pull request upstream.
package conversation

import (
	"regexp"
	"sort"
	"strings"

	"agentloop/internal/domain"
)

// minSortKey sorts before every valid timestamp prefix. Messages whose
// filename has no parseable prefix use it, so they order first.
const minSortKey = "00000000-0000"

var (
	sortKeyRe = regexp.MustCompile(`^(\d{8}-\d{4})`)
	speakerRe = regexp.MustCompile(`<!--\s*speaker:\s*(\w+)\s*-->`)
)

// SortKey extracts the fixed-width YYYYMMDD-HHMM prefix of a filename,
// or the minimal sentinel when there is none.
func SortKey(filename string) string {
	if m := sortKeyRe.FindStringSubmatch(filename); m != nil {
		return m[1]
	}
	return minSortKey
}

// Timestamp is SortKey without the sentinel: "" when unparseable.
func Timestamp(filename string) string {
	if m := sortKeyRe.FindStringSubmatch(filename); m != nil {
		return m[1]
	}
	return ""
}

// Speaker extracts the speaker label from a message body's
// <!-- speaker: name --> header, "unknown" when absent.
func Speaker(content string) string {
	if m := speakerRe.FindStringSubmatch(content); m != nil {
		return m[1]
	}
	return "unknown"
}

// SortMessages orders messages by sort key, then filename for stability.
func SortMessages(msgs []domain.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		ki, kj := SortKey(msgs[i].Filename), SortKey(msgs[j].Filename)
		if ki != kj {
			return ki < kj
		}
		return msgs[i].Filename < msgs[j].Filename
	})
}

// EnsureSpeakerHeader prepends the speaker header unless the content
// already carries it.
func EnsureSpeakerHeader(content, speaker string) string {
	header := "<!-- speaker: " + speaker + " -->"
	if strings.Contains(content, header) {
		return content
	}
	return header + "\n\n" + content
}
