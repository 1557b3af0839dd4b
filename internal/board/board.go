// Package board implements a repo-resident task list: a JSON file any
// agent can load, work through, and save back. The trailing keepalive
// task keeps a session from finishing while work may still arrive.
package board

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultBoardFile = "tasks/board.json"
	timeLayout       = "2006-01-02 15:04"

	// PriorityKeepalive marks the self-perpetuating check-for-work task.
	PriorityKeepalive = "keepalive"
	PriorityNormal    = "normal"
)

// Task is one board entry. Statuses mirror the coordinator's but the
// board tracks them as plain strings since any external agent may edit
// the file.
type Task struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Status      string   `json:"status"`
	AssignedTo  string   `json:"assigned_to"`
	DependsOn   []string `json:"depends_on"`
	Priority    string   `json:"priority"`
	Thread      string   `json:"thread"`
	Created     string   `json:"created"`
	Started     string   `json:"started"`
	Completed   string   `json:"completed"`
	Result      string   `json:"result"`
}

type boardFile struct {
	Updated string       `json:"updated"`
	Counter int          `json:"counter"`
	Summary boardSummary `json:"summary"`
	Tasks   []Task       `json:"tasks"`
}

type boardSummary struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
}

// Board is the in-memory view of one board file. Not safe for
// concurrent use; callers serialize access the same way they serialize
// the git operations around it.
type Board struct {
	path    string
	tasks   []Task
	counter int
	now     func() time.Time
}

// New builds a board rooted at repoPath. boardFile overrides the
// default tasks/board.json location when non-empty.
func New(repoPath, boardFilePath string) *Board {
	if boardFilePath == "" {
		boardFilePath = defaultBoardFile
	}
	return &Board{
		path: filepath.Join(repoPath, boardFilePath),
		now:  time.Now,
	}
}

// Load reads the board from disk. A missing file is a fresh board, not
// an error; the bool reports whether an existing file was loaded.
func (b *Board) Load() (bool, error) {
	raw, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		b.tasks = nil
		b.counter = 0
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read board: %w", err)
	}
	var file boardFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return false, fmt.Errorf("parse board: %w", err)
	}
	b.tasks = file.Tasks
	b.counter = file.Counter
	return true, nil
}

// Save writes the board with a refreshed summary block.
func (b *Board) Save() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("create board dir: %w", err)
	}
	file := boardFile{
		Updated: b.now().Format("2006-01-02 15:04:05"),
		Counter: b.counter,
		Summary: boardSummary{
			Total:      len(b.tasks),
			Pending:    len(b.byStatus("pending")),
			InProgress: len(b.byStatus("in_progress")),
			Completed:  len(b.byStatus("completed")),
		},
		Tasks: b.tasks,
	}
	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode board: %w", err)
	}
	if err := os.WriteFile(b.path, raw, 0o644); err != nil {
		return fmt.Errorf("write board: %w", err)
	}
	return nil
}

// AddInput carries the optional fields of a new task.
type AddInput struct {
	AssignedTo string
	DependsOn  []string
	Priority   string
	Thread     string
}

// AddTask appends a pending task with the next sequential id.
func (b *Board) AddTask(description string, in AddInput) Task {
	if in.Priority == "" {
		in.Priority = PriorityNormal
	}
	b.counter++
	task := Task{
		ID:          fmt.Sprintf("T%d", b.counter),
		Description: description,
		Status:      "pending",
		AssignedTo:  in.AssignedTo,
		DependsOn:   in.DependsOn,
		Priority:    in.Priority,
		Thread:      in.Thread,
		Created:     b.now().Format(timeLayout),
	}
	b.tasks = append(b.tasks, task)
	return task
}

// StartTask marks a task in progress. Unknown ids are ignored.
func (b *Board) StartTask(id string) {
	if task := b.find(id); task != nil {
		task.Status = "in_progress"
		task.Started = b.now().Format(timeLayout)
	}
}

// CompleteTask marks a task completed with an optional result note.
func (b *Board) CompleteTask(id, result string) {
	if task := b.find(id); task != nil {
		task.Status = "completed"
		task.Completed = b.now().Format(timeLayout)
		task.Result = result
	}
}

// BlockTask marks a task blocked and records the reason.
func (b *Board) BlockTask(id, reason string) {
	if task := b.find(id); task != nil {
		task.Status = "blocked"
		task.Result = "BLOCKED: " + reason
	}
}

func (b *Board) find(id string) *Task {
	for i := range b.tasks {
		if b.tasks[i].ID == id {
			return &b.tasks[i]
		}
	}
	return nil
}

// NextTask returns the first pending task whose dependencies are all
// completed, false when no task is workable.
func (b *Board) NextTask() (Task, bool) {
	for _, task := range b.tasks {
		if task.Status == "pending" && !b.isBlocked(task) {
			return task, true
		}
	}
	return Task{}, false
}

// Tasks returns a copy of all entries in board order.
func (b *Board) Tasks() []Task {
	out := make([]Task, len(b.tasks))
	copy(out, b.tasks)
	return out
}

// PendingTasks returns the pending entries in board order.
func (b *Board) PendingTasks() []Task { return b.byStatus("pending") }

// InProgressTasks returns the in-progress entries in board order.
func (b *Board) InProgressTasks() []Task { return b.byStatus("in_progress") }

// CompletedTasks returns the completed entries in board order.
func (b *Board) CompletedTasks() []Task { return b.byStatus("completed") }

func (b *Board) byStatus(status string) []Task {
	var out []Task
	for _, task := range b.tasks {
		if task.Status == status {
			out = append(out, task)
		}
	}
	return out
}

// Done reports whether every task is completed.
func (b *Board) Done() bool {
	for _, task := range b.tasks {
		if task.Status != "completed" {
			return false
		}
	}
	return true
}

func (b *Board) isBlocked(task Task) bool {
	for _, depID := range task.DependsOn {
		if dep := b.find(depID); dep != nil && dep.Status != "completed" {
			return true
		}
	}
	return false
}

// HasKeepalive reports whether a pending keepalive task exists.
func (b *Board) HasKeepalive() bool {
	for _, task := range b.tasks {
		if task.Status == "pending" && task.Priority == PriorityKeepalive {
			return true
		}
	}
	return false
}

// EnsureKeepalive appends the self-perpetuating check task unless one
// is already pending. There is always one more task to do.
func (b *Board) EnsureKeepalive(waitMinutes int, threads []string) {
	if b.HasKeepalive() {
		return
	}
	threadList := "all monitored threads"
	if len(threads) > 0 {
		threadList = strings.Join(threads, ", ")
	}
	description := fmt.Sprintf(
		"Wait %d minute(s), then check %s for new messages. "+
			"If there are new messages, add response tasks to the board. "+
			"If there are new tasks from other agents, add them. "+
			"Then add a new keepalive task and mark this one complete. "+
			"DO NOT finish the session - keep working.",
		waitMinutes, threadList)
	b.AddTask(description, AddInput{Priority: PriorityKeepalive})
}

// ToMarkdown renders the board grouped by status. Completed history is
// capped at the last 10 entries.
func (b *Board) ToMarkdown() string {
	var lines []string
	lines = append(lines, "# Task Board", "")

	if inProg := b.InProgressTasks(); len(inProg) > 0 {
		lines = append(lines, "## In Progress", "")
		for _, t := range inProg {
			lines = append(lines, fmt.Sprintf("- **%s**: %s", t.ID, t.Description))
			if t.AssignedTo != "" {
				lines = append(lines, "  - Assigned to: "+t.AssignedTo)
			}
		}
		lines = append(lines, "")
	}

	if pending := b.PendingTasks(); len(pending) > 0 {
		lines = append(lines, "## Pending", "")
		for _, t := range pending {
			blocked := ""
			if b.isBlocked(t) {
				blocked = " (BLOCKED)"
			}
			lines = append(lines, fmt.Sprintf("- [ ] **%s**: %s%s", t.ID, t.Description, blocked))
		}
		lines = append(lines, "")
	}

	if completed := b.CompletedTasks(); len(completed) > 0 {
		lines = append(lines, "## Completed", "")
		shown := completed
		if len(shown) > 10 {
			shown = shown[len(shown)-10:]
		}
		for _, t := range shown {
			result := ""
			if t.Result != "" {
				result = " - " + t.Result
			}
			lines = append(lines, fmt.Sprintf("- [x] **%s**: %s%s", t.ID, t.Description, result))
		}
		if len(completed) > 10 {
			lines = append(lines, fmt.Sprintf("- ... and %d more", len(completed)-10))
		}
		lines = append(lines, "")
	}

	return strings.Join(lines, "\n")
}

// ToAgentPrompt renders the board as standing instructions for an LLM
// CLI agent working the list.
func (b *Board) ToAgentPrompt() string {
	return fmt.Sprintf(`You are an autonomous agent working on a shared project.

## Your Task Board

%s

## Instructions

1. Work through the tasks in order (top to bottom).
2. For each task: mark it in_progress, do the work, mark it completed.
3. If a task is blocked, skip it and move to the next one.
4. If you discover new work needed, add it as a new task.
5. After completing a task, save the board (commit + push board.json).
6. **CRITICAL: DO NOT stop or ask for input until ALL tasks are done.**
7. The keepalive task at the end will tell you to check for new work.
8. After the keepalive check, add a new keepalive task - this keeps you running.

## How to communicate

- Read messages: check conversations/<thread>/ for new .md files
- Post messages: create a new .md file, commit, push, open PR
- Update tasks: edit tasks/board.json, commit, push

## When to stop

Only stop if:
- A human explicitly tells you to stop
- You encounter an error you cannot resolve
- The keepalive task finds no new work AND no pending tasks remain

Otherwise, KEEP WORKING.
`, b.ToMarkdown())
}
