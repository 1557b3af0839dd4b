package domain

import (
	"time"
)

// TaskStatus is the lifecycle state of a coordinated task.
//
// PENDING is the initial state. COMPLETED is terminal. IN_PROGRESS and
// REVIEW are reachable but only set by external callers; the coordinator
// itself only produces PENDING, ASSIGNED, COMPLETED and BLOCKED.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusReview     TaskStatus = "review"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusBlocked    TaskStatus = "blocked"
)

// Verdict is the outcome of evaluating content against one review criterion.
type Verdict string

const (
	VerdictAccept  Verdict = "accept"
	VerdictRevise  Verdict = "revise"
	VerdictReject  Verdict = "reject"
	VerdictAbstain Verdict = "abstain"
)

// Agent is a registered participant with a role and capability tags.
// An agent is available when CurrentTask is empty.
type Agent struct {
	Name           string    `json:"name"`
	Role           string    `json:"role"`
	Capabilities   []string  `json:"capabilities"`
	CurrentTask    string    `json:"current_task,omitempty"`
	TasksCompleted int       `json:"tasks_completed"`
	LastActive     time.Time `json:"last_active"`
}

// Available reports whether the agent has no task assigned.
func (a Agent) Available() bool {
	return a.CurrentTask == ""
}

// Task is a unit of work in the coordination graph. DependsOn and Blocks
// are maintained as exact inverses of each other: T appears in D.Blocks
// iff D appears in T.DependsOn.
type Task struct {
	ID                   string     `json:"id"`
	Description          string     `json:"description"`
	RequiredCapabilities []string   `json:"required_capabilities,omitempty"`
	AssignedTo           string     `json:"assigned_to,omitempty"`
	Status               TaskStatus `json:"status"`
	CreatedAt            time.Time  `json:"created_at"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	DependsOn            []string   `json:"depends_on,omitempty"`
	Blocks               []string   `json:"blocks,omitempty"`
	Thread               string     `json:"thread,omitempty"`
	Result               string     `json:"result,omitempty"`
}

// Snapshot is the full serializable state of one coordinator instance,
// sufficient to rebuild it with identical behavior. Persistence of
// snapshots is owned by an external store, not by the coordinator.
type Snapshot struct {
	Agents      []Agent `json:"agents"`
	Tasks       []Task  `json:"tasks"`
	TaskCounter int     `json:"task_counter"`
}

// ReviewResult is the verdict of a single criterion.
type ReviewResult struct {
	Criterion  string  `json:"criterion"`
	Verdict    Verdict `json:"verdict"`
	Reasoning  string  `json:"reasoning"`
	Confidence float64 `json:"confidence"`
}

// ReviewSummary aggregates per-criterion results into one overall verdict.
// It is recomputed on every review call and never persisted.
type ReviewSummary struct {
	Results        []ReviewResult `json:"results"`
	OverallVerdict Verdict        `json:"overall_verdict"`
	Summary        string         `json:"summary"`
}

// AcceptCount returns the number of criteria that accepted.
func (s ReviewSummary) AcceptCount() int {
	n := 0
	for _, r := range s.Results {
		if r.Verdict == VerdictAccept {
			n++
		}
	}
	return n
}

// RejectCount returns the number of criteria that rejected.
func (s ReviewSummary) RejectCount() int {
	n := 0
	for _, r := range s.Results {
		if r.Verdict == VerdictReject {
			n++
		}
	}
	return n
}

// Message is one conversation message fetched from the transport.
// Filename encodes the sort key; ordering is lexicographic over the
// fixed-width timestamp prefix.
type Message struct {
	Filename string `json:"filename"`
	Thread   string `json:"thread"`
	Speaker  string `json:"speaker"`
	// Timestamp is the raw YYYYMMDD-HHMM prefix of the filename, empty
	// when the filename has no parseable prefix.
	Timestamp string `json:"timestamp"`
	Content   string `json:"content"`
}

// CycleResult is the immutable record of one polling-loop cycle.
type CycleResult struct {
	CycleNumber int       `json:"cycle_number"`
	Timestamp   time.Time `json:"timestamp"`
	NewMessages []Message `json:"new_messages,omitempty"`
	ActionTaken string    `json:"action_taken,omitempty"`
	PRURL       string    `json:"pr_url,omitempty"`
	NextTask    string    `json:"next_task,omitempty"`
}
