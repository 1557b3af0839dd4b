// Package loop implements the monitor-think-act polling cycle over a
// set of conversation threads. The loop itself carries no intelligence;
// deciding and acting are injected functions.
package loop

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"agentloop/internal/domain"
)

// firstCheckWindow bounds the initial context fetch for a thread that
// has no watermark yet.
const firstCheckWindow = 3

// Source is the conversation transport boundary. Implementations fetch
// messages; the loop only compares their filenames lexicographically.
type Source interface {
	// ReadThread returns the last n messages of a thread in sort order.
	ReadThread(ctx context.Context, thread string, lastN int) ([]domain.Message, error)
	// NewMessages returns messages with filenames strictly after the
	// given watermark, in sort order.
	NewMessages(ctx context.Context, thread, after string) ([]domain.Message, error)
}

// ThinkFunc inspects new messages and loop state and returns a task
// description, or "" when there is nothing to do.
type ThinkFunc func(newMessages []domain.Message, st *State) string

// ActFunc executes a task. It returns the PR URL when the action
// published something, "" otherwise.
type ActFunc func(ctx context.Context, task string) (string, error)

// OnCycleFunc observes each completed cycle.
type OnCycleFunc func(domain.CycleResult)

// State is the process-local state of one polling session. It is not
// persisted; a restarted loop begins with fresh watermarks.
//
// Only the deferred task queue is guarded: tasks may be queued from
// another goroutine while Run is in flight. Everything else is touched
// by the loop goroutine alone.
type State struct {
	CycleCount int
	lastSeen   map[string]string

	historyMu sync.Mutex
	history   []domain.CycleResult

	pendingMu sync.Mutex
	pending   []string
}

// NewState returns an empty loop state.
func NewState() *State {
	return &State{lastSeen: make(map[string]string)}
}

// RecordSeen advances the watermark for a thread. Filenames compare
// lexicographically; an older filename never moves the watermark back.
func (s *State) RecordSeen(thread, filename string) {
	if filename > s.lastSeen[thread] {
		s.lastSeen[thread] = filename
	}
}

// LastSeen returns the current watermark for a thread, "" when the
// thread has not been checked yet.
func (s *State) LastSeen(thread string) string {
	return s.lastSeen[thread]
}

// History returns the recorded cycle outcomes, oldest first.
func (s *State) History() []domain.CycleResult {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	out := make([]domain.CycleResult, len(s.history))
	copy(out, s.history)
	return out
}

func (s *State) appendHistory(result domain.CycleResult) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	s.history = append(s.history, result)
}

// PendingTasks returns the deferred task queue in order.
func (s *State) PendingTasks() []string {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	out := make([]string, len(s.pending))
	copy(out, s.pending)
	return out
}

// pushPending appends a task to the deferred queue.
func (s *State) pushPending(task string) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	s.pending = append(s.pending, task)
}

// popPending removes and returns the oldest deferred task.
func (s *State) popPending() (string, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if len(s.pending) == 0 {
		return "", false
	}
	task := s.pending[0]
	s.pending = s.pending[1:]
	return task, true
}

// peekPending returns the oldest deferred task without removing it.
func (s *State) peekPending() (string, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if len(s.pending) == 0 {
		return "", false
	}
	return s.pending[0], true
}

func (s *State) pendingLen() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

// Options control one Run invocation.
type Options struct {
	// MaxCycles bounds the run. Zero means the default of 100.
	MaxCycles int
	// PollInterval is the pause between cycles. Zero means 30s.
	PollInterval time.Duration
	// StopWhenIdle stops the run after this many consecutive cycles
	// without an action. Zero disables the idle stop.
	StopWhenIdle int
}

func (o Options) withDefaults() Options {
	if o.MaxCycles <= 0 {
		o.MaxCycles = 100
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	return o
}

// Loop monitors threads through a Source and drives the injected think
// and act functions. Not safe for concurrent use; one Run at a time.
type Loop struct {
	source  Source
	threads []string
	think   ThinkFunc
	act     ActFunc
	onCycle OnCycleFunc
	state   *State
	logger  *log.Logger
}

// New builds a loop over the given threads. think and act must be
// non-nil; onCycle and logger may be nil.
func New(source Source, threads []string, think ThinkFunc, act ActFunc, onCycle OnCycleFunc, logger *log.Logger) *Loop {
	if logger == nil {
		logger = log.Default()
	}
	return &Loop{
		source:  source,
		threads: threads,
		think:   think,
		act:     act,
		onCycle: onCycle,
		state:   NewState(),
		logger:  logger,
	}
}

// State exposes the loop state for inspection and for think functions
// that were constructed before the loop.
func (l *Loop) State() *State {
	return l.state
}

// AddTask queues a task description for a later cycle. Safe to call
// while Run is in flight.
func (l *Loop) AddTask(task string) {
	l.state.pushPending(task)
}

// checkNewMessages polls every monitored thread once. A failing thread
// is logged and skipped; the cycle continues with the others.
func (l *Loop) checkNewMessages(ctx context.Context) []domain.Message {
	var all []domain.Message
	for _, thread := range l.threads {
		var msgs []domain.Message
		var err error
		if last := l.state.lastSeen[thread]; last != "" {
			msgs, err = l.source.NewMessages(ctx, thread, last)
		} else {
			msgs, err = l.source.ReadThread(ctx, thread, firstCheckWindow)
		}
		if err != nil {
			l.logger.Printf("loop: error checking thread %s: %v", thread, err)
			continue
		}
		for _, msg := range msgs {
			l.state.RecordSeen(thread, msg.Filename)
		}
		all = append(all, msgs...)
	}
	return all
}

// runCycle executes one monitor-think-act-report pass.
func (l *Loop) runCycle(ctx context.Context) domain.CycleResult {
	l.state.CycleCount++

	newMessages := l.checkNewMessages(ctx)

	var task string
	if len(newMessages) > 0 || l.state.pendingLen() > 0 {
		task = l.think(newMessages, l.state)
	}
	if task == "" {
		task, _ = l.state.popPending()
	}

	var prURL, actionTaken string
	if task != "" {
		url, err := l.act(ctx, task)
		if err != nil {
			l.logger.Printf("loop: error executing task %q: %v", task, err)
			actionTaken = fmt.Sprintf("FAILED: %s (%v)", task, err)
		} else {
			prURL = url
			actionTaken = task
		}
	}

	nextTask, _ := l.state.peekPending()
	result := domain.CycleResult{
		CycleNumber: l.state.CycleCount,
		Timestamp:   time.Now(),
		NewMessages: newMessages,
		ActionTaken: actionTaken,
		PRURL:       prURL,
		NextTask:    nextTask,
	}
	l.state.appendHistory(result)

	if l.onCycle != nil {
		l.onCycle(result)
	}
	return result
}

// Run drives the loop until MaxCycles, the idle stop, or context
// cancellation. Cancellation is the interrupt path; accumulated state
// and history stay readable after Run returns.
func (l *Loop) Run(ctx context.Context, opts Options) error {
	opts = opts.withDefaults()
	idleCount := 0

	l.logger.Printf("loop: starting, %d threads, max %d cycles, %s interval",
		len(l.threads), opts.MaxCycles, opts.PollInterval)

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for i := 0; i < opts.MaxCycles; i++ {
		if err := ctx.Err(); err != nil {
			l.logger.Printf("loop: interrupted")
			return err
		}

		result := l.runCycle(ctx)
		if result.ActionTaken != "" {
			idleCount = 0
			l.logger.Printf("loop: cycle %d: %s", result.CycleNumber, result.ActionTaken)
			if result.PRURL != "" {
				l.logger.Printf("loop:   pr %s", result.PRURL)
			}
		} else {
			idleCount++
		}

		if opts.StopWhenIdle > 0 && idleCount >= opts.StopWhenIdle {
			l.logger.Printf("loop: stopping after %d idle cycles", idleCount)
			break
		}
		if i == opts.MaxCycles-1 {
			break
		}

		select {
		case <-ctx.Done():
			l.logger.Printf("loop: interrupted")
			return ctx.Err()
		case <-ticker.C:
		}
	}

	actions := 0
	for _, r := range l.state.History() {
		if r.ActionTaken != "" {
			actions++
		}
	}
	l.logger.Printf("loop: complete, %d cycles, %d actions", l.state.CycleCount, actions)
	return nil
}

// Report renders a markdown summary of loop activity so far. Safe to
// call while Run is in flight.
func (l *Loop) Report() string {
	history := l.state.History()
	actions, prs, messages := 0, 0, 0
	for _, r := range history {
		if r.ActionTaken != "" {
			actions++
		}
		if r.PRURL != "" {
			prs++
		}
		messages += len(r.NewMessages)
	}

	var b strings.Builder
	b.WriteString("## Autonomous Loop Report\n\n")
	fmt.Fprintf(&b, "- **Cycles:** %d\n", len(history))
	fmt.Fprintf(&b, "- **Actions taken:** %d\n", actions)
	fmt.Fprintf(&b, "- **PRs created:** %d\n", prs)
	fmt.Fprintf(&b, "- **Messages processed:** %d\n", messages)
	fmt.Fprintf(&b, "- **Threads monitored:** %s\n", strings.Join(l.threads, ", "))
	b.WriteString("\n### Action History\n\n")
	for _, r := range history {
		if r.ActionTaken == "" {
			continue
		}
		line := fmt.Sprintf("- [%s] %s", r.Timestamp.Format("20060102-150405"), r.ActionTaken)
		if r.PRURL != "" {
			line += " -> " + r.PRURL
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}
