package loop

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"agentloop/internal/domain"
)

// fakeSource serves scripted messages per thread. Each NewMessages call
// filters on the watermark, matching how a real transport behaves.
type fakeSource struct {
	messages map[string][]domain.Message
	errs     map[string]error
	calls    int
}

func (f *fakeSource) ReadThread(_ context.Context, thread string, lastN int) ([]domain.Message, error) {
	f.calls++
	if err := f.errs[thread]; err != nil {
		return nil, err
	}
	msgs := f.messages[thread]
	if len(msgs) > lastN {
		msgs = msgs[len(msgs)-lastN:]
	}
	return msgs, nil
}

func (f *fakeSource) NewMessages(_ context.Context, thread, after string) ([]domain.Message, error) {
	f.calls++
	if err := f.errs[thread]; err != nil {
		return nil, err
	}
	var out []domain.Message
	for _, m := range f.messages[thread] {
		if m.Filename > after {
			out = append(out, m)
		}
	}
	return out, nil
}

func msg(thread, filename string) domain.Message {
	return domain.Message{Filename: filename, Thread: thread, Content: "body"}
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func noThink(_ []domain.Message, _ *State) string { return "" }

func noAct(_ context.Context, _ string) (string, error) { return "", nil }

func fastOpts(maxCycles, stopWhenIdle int) Options {
	return Options{MaxCycles: maxCycles, PollInterval: time.Millisecond, StopWhenIdle: stopWhenIdle}
}

func TestFirstCheckUsesBoundedWindow(t *testing.T) {
	src := &fakeSource{messages: map[string][]domain.Message{
		"experiments": {
			msg("experiments", "20240101-0900-a.md"),
			msg("experiments", "20240101-0910-b.md"),
			msg("experiments", "20240101-0920-a.md"),
			msg("experiments", "20240101-0930-b.md"),
		},
	}}
	var seen []domain.Message
	think := func(msgs []domain.Message, _ *State) string {
		seen = append(seen, msgs...)
		return ""
	}
	l := New(src, []string{"experiments"}, think, noAct, nil, quietLogger())
	if err := l.Run(context.Background(), fastOpts(1, 0)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(seen) != 3 {
		t.Fatalf("first check saw %d messages, want window of 3", len(seen))
	}
	if seen[0].Filename != "20240101-0910-b.md" {
		t.Fatalf("window start=%s want the three most recent", seen[0].Filename)
	}
}

func TestWatermarkAdvancesAcrossCycles(t *testing.T) {
	src := &fakeSource{messages: map[string][]domain.Message{
		"experiments": {msg("experiments", "20240101-0900-a.md")},
	}}
	counts := make(map[int]int)
	think := func(msgs []domain.Message, st *State) string {
		counts[st.CycleCount] = len(msgs)
		if st.CycleCount == 1 {
			// Arrives between cycles.
			src.messages["experiments"] = append(src.messages["experiments"],
				msg("experiments", "20240101-0930-b.md"))
		}
		return "noted"
	}
	l := New(src, []string{"experiments"}, think, noAct, nil, quietLogger())
	if err := l.Run(context.Background(), fastOpts(3, 0)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if counts[1] != 1 || counts[2] != 1 {
		t.Fatalf("per-cycle message counts=%v want 1 then 1 (no redelivery)", counts)
	}
	if got := l.State().LastSeen("experiments"); got != "20240101-0930-b.md" {
		t.Fatalf("watermark=%s want the newest filename", got)
	}
}

func TestWatermarkNeverMovesBackward(t *testing.T) {
	st := NewState()
	st.RecordSeen("t", "20240102-0900-a.md")
	st.RecordSeen("t", "20240101-0900-a.md")
	if got := st.LastSeen("t"); got != "20240102-0900-a.md" {
		t.Fatalf("watermark=%s want the higher sort key kept", got)
	}
}

func TestThinkSkippedWhenNothingToDo(t *testing.T) {
	src := &fakeSource{}
	thinkCalls := 0
	think := func(_ []domain.Message, _ *State) string {
		thinkCalls++
		return ""
	}
	l := New(src, []string{"quiet"}, think, noAct, nil, quietLogger())
	if err := l.Run(context.Background(), fastOpts(3, 0)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if thinkCalls != 0 {
		t.Fatalf("think called %d times with no messages and no pending tasks", thinkCalls)
	}
}

func TestDeferredTasksPopInFIFOOrder(t *testing.T) {
	src := &fakeSource{}
	var acted []string
	act := func(_ context.Context, task string) (string, error) {
		acted = append(acted, task)
		return "", nil
	}
	l := New(src, nil, noThink, act, nil, quietLogger())
	l.AddTask("first")
	l.AddTask("second")
	if err := l.Run(context.Background(), fastOpts(3, 0)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(acted) != 2 || acted[0] != "first" || acted[1] != "second" {
		t.Fatalf("acted=%v want [first second]", acted)
	}
}

func TestThinkResultTakesPrecedenceOverPending(t *testing.T) {
	src := &fakeSource{}
	think := func(_ []domain.Message, _ *State) string { return "urgent" }
	var acted []string
	act := func(_ context.Context, task string) (string, error) {
		acted = append(acted, task)
		return "", nil
	}
	l := New(src, nil, think, act, nil, quietLogger())
	l.AddTask("deferred")
	if err := l.Run(context.Background(), fastOpts(1, 0)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(acted) != 1 || acted[0] != "urgent" {
		t.Fatalf("acted=%v want [urgent]", acted)
	}
	if pending := l.State().PendingTasks(); len(pending) != 1 || pending[0] != "deferred" {
		t.Fatalf("pending=%v want deferred kept for later", pending)
	}
}

func TestActFailureRecordedNotFatal(t *testing.T) {
	src := &fakeSource{}
	act := func(_ context.Context, _ string) (string, error) {
		return "", errors.New("push rejected")
	}
	l := New(src, nil, noThink, act, nil, quietLogger())
	l.AddTask("ship it")
	if err := l.Run(context.Background(), fastOpts(1, 0)); err != nil {
		t.Fatalf("run: %v", err)
	}
	history := l.State().History()
	if len(history) != 1 {
		t.Fatalf("history=%d entries want 1", len(history))
	}
	want := "FAILED: ship it (push rejected)"
	if history[0].ActionTaken != want {
		t.Fatalf("action_taken=%q want %q", history[0].ActionTaken, want)
	}
	if history[0].PRURL != "" {
		t.Fatalf("pr_url=%q want empty on failure", history[0].PRURL)
	}
}

func TestFailedActionStillCountsAsActivity(t *testing.T) {
	src := &fakeSource{}
	act := func(_ context.Context, _ string) (string, error) {
		return "", errors.New("boom")
	}
	onCycleCalls := 0
	l := New(src, nil, noThink, act, func(domain.CycleResult) { onCycleCalls++ }, quietLogger())
	l.AddTask("one")
	// StopWhenIdle=1 stops on the first actionless cycle: the FAILED
	// cycle resets the idle counter, so we get exactly two cycles.
	if err := l.Run(context.Background(), fastOpts(10, 1)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if l.State().CycleCount != 2 {
		t.Fatalf("cycles=%d want 2 (failed action resets idle count)", l.State().CycleCount)
	}
	if onCycleCalls != 2 {
		t.Fatalf("on_cycle calls=%d want 2", onCycleCalls)
	}
}

func TestIdleStopAfterExactlyN(t *testing.T) {
	src := &fakeSource{}
	l := New(src, []string{"quiet"}, noThink, noAct, nil, quietLogger())
	if err := l.Run(context.Background(), fastOpts(100, 3)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if l.State().CycleCount != 3 {
		t.Fatalf("cycles=%d want exactly 3 idle cycles before stop", l.State().CycleCount)
	}
}

func TestMaxCyclesBound(t *testing.T) {
	src := &fakeSource{}
	l := New(src, []string{"quiet"}, noThink, noAct, nil, quietLogger())
	if err := l.Run(context.Background(), fastOpts(5, 0)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if l.State().CycleCount != 5 {
		t.Fatalf("cycles=%d want 5", l.State().CycleCount)
	}
}

func TestMonitorFailureToleratedPerThread(t *testing.T) {
	src := &fakeSource{
		messages: map[string][]domain.Message{
			"healthy": {msg("healthy", "20240101-0900-a.md")},
		},
		errs: map[string]error{"broken": errors.New("network down")},
	}
	var seen []domain.Message
	think := func(msgs []domain.Message, _ *State) string {
		seen = append(seen, msgs...)
		return ""
	}
	l := New(src, []string{"broken", "healthy"}, think, noAct, nil, quietLogger())
	if err := l.Run(context.Background(), fastOpts(1, 0)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(seen) != 1 || seen[0].Thread != "healthy" {
		t.Fatalf("seen=%v want the healthy thread's message despite the broken one", seen)
	}
}

func TestCancelStopsRunAndKeepsHistory(t *testing.T) {
	src := &fakeSource{}
	ctx, cancel := context.WithCancel(context.Background())
	think := func(_ []domain.Message, _ *State) string {
		cancel()
		return ""
	}
	l := New(src, nil, think, noAct, nil, quietLogger())
	l.AddTask("a")
	l.AddTask("b")
	// The long interval proves cancellation unblocks the inter-cycle wait.
	err := l.Run(ctx, Options{MaxCycles: 10, PollInterval: time.Minute})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}
	if got := len(l.State().History()); got != 1 {
		t.Fatalf("history=%d entries want 1 (state survives interrupt)", got)
	}
}

func TestReportSummarizesActivity(t *testing.T) {
	src := &fakeSource{}
	act := func(_ context.Context, task string) (string, error) {
		if task == "first" {
			return "https://github.com/org/repo/pull/7", nil
		}
		return "", nil
	}
	l := New(src, []string{"experiments", "toolkit"}, noThink, act, nil, quietLogger())
	l.AddTask("first")
	l.AddTask("second")
	if err := l.Run(context.Background(), fastOpts(2, 0)); err != nil {
		t.Fatalf("run: %v", err)
	}

	report := l.Report()
	for _, frag := range []string{
		"## Autonomous Loop Report",
		"- **Cycles:** 2",
		"- **Actions taken:** 2",
		"- **PRs created:** 1",
		"- **Threads monitored:** experiments, toolkit",
		"first -> https://github.com/org/repo/pull/7",
	} {
		if !strings.Contains(report, frag) {
			t.Fatalf("report missing %q:\n%s", frag, report)
		}
	}
}
