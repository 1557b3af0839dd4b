package coordinator

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"agentloop/internal/domain"
)

var (
	// ErrDuplicateAgent is returned when a name is registered twice.
	// Re-registering would silently discard assignment bookkeeping, so
	// it is an explicit error rather than an overwrite.
	ErrDuplicateAgent = errors.New("agent name is already registered")

	// ErrUnknownDependency is returned when a task is created with a
	// dependency id that does not exist. Rejecting at creation keeps the
	// depends_on/blocks inverse links symmetric by construction.
	ErrUnknownDependency = errors.New("dependency task id does not exist")

	ErrUnknownTask = errors.New("task id does not exist")
)

// Coordinator tracks agents and tasks for one coordination session and
// assigns tasks to best-fit available agents.
//
// It is an in-memory structure designed for single-threaded use: it holds
// no internal locks, and concurrent mutation must be serialized by the
// caller. Multiple independent sessions coexist as separate instances.
//
// Design principle carried over from the source system: suggest, don't
// mandate. The coordinator tracks state; callers may override it through
// the documented operations.
type Coordinator struct {
	agents map[string]*domain.Agent
	tasks  map[string]*domain.Task

	// agentOrder preserves registration order for the fallback
	// assignment rule; Go map iteration would not.
	agentOrder  []string
	taskOrder   []string
	taskCounter int

	logger *log.Logger
}

// New returns an empty coordinator.
func New(logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{
		agents: make(map[string]*domain.Agent),
		tasks:  make(map[string]*domain.Task),
		logger: logger,
	}
}

// RegisterAgent adds an agent. Duplicate names fail with ErrDuplicateAgent.
func (c *Coordinator) RegisterAgent(name, role string, capabilities []string) (domain.Agent, error) {
	if strings.TrimSpace(name) == "" {
		return domain.Agent{}, fmt.Errorf("agent name is required")
	}
	if _, exists := c.agents[name]; exists {
		return domain.Agent{}, fmt.Errorf("register agent %s: %w", name, ErrDuplicateAgent)
	}
	agent := &domain.Agent{
		Name:         name,
		Role:         role,
		Capabilities: append([]string(nil), capabilities...),
		LastActive:   time.Now().UTC(),
	}
	c.agents[name] = agent
	c.agentOrder = append(c.agentOrder, name)
	return *agent, nil
}

// UpdateAgentActivity refreshes the agent's last-active timestamp.
// Unknown names are a no-op.
func (c *Coordinator) UpdateAgentActivity(name string) {
	if agent, ok := c.agents[name]; ok {
		agent.LastActive = time.Now().UTC()
	}
}

// Agent returns a copy of the named agent.
func (c *Coordinator) Agent(name string) (domain.Agent, bool) {
	agent, ok := c.agents[name]
	if !ok {
		return domain.Agent{}, false
	}
	return *agent, true
}

// Agents returns all agents in registration order.
func (c *Coordinator) Agents() []domain.Agent {
	out := make([]domain.Agent, 0, len(c.agentOrder))
	for _, name := range c.agentOrder {
		out = append(out, *c.agents[name])
	}
	return out
}

// CreateTask allocates the next sequential id (T1, T2, ...) and records
// the task. Every dependency must already exist; the new task's id is
// appended to each dependency's blocks list so the inverse relation
// stays exact.
func (c *Coordinator) CreateTask(description string, requiredCapabilities, dependsOn []string, thread string) (domain.Task, error) {
	for _, depID := range dependsOn {
		if _, ok := c.tasks[depID]; !ok {
			return domain.Task{}, fmt.Errorf("create task: dependency %s: %w", depID, ErrUnknownDependency)
		}
	}

	c.taskCounter++
	taskID := fmt.Sprintf("T%d", c.taskCounter)

	task := &domain.Task{
		ID:                   taskID,
		Description:          description,
		RequiredCapabilities: append([]string(nil), requiredCapabilities...),
		Status:               domain.TaskStatusPending,
		CreatedAt:            time.Now().UTC(),
		DependsOn:            append([]string(nil), dependsOn...),
		Thread:               thread,
	}
	c.tasks[taskID] = task
	c.taskOrder = append(c.taskOrder, taskID)

	for _, depID := range task.DependsOn {
		dep := c.tasks[depID]
		dep.Blocks = append(dep.Blocks, taskID)
	}
	return *task, nil
}

// AddDependency links an existing task to an existing dependency after
// creation, maintaining both directions of the relation. It performs no
// cycle check; CheckConflicts reports any cycle this introduces.
func (c *Coordinator) AddDependency(taskID, depID string) error {
	task, ok := c.tasks[taskID]
	if !ok {
		return fmt.Errorf("add dependency: task %s: %w", taskID, ErrUnknownTask)
	}
	dep, ok := c.tasks[depID]
	if !ok {
		return fmt.Errorf("add dependency: dependency %s: %w", depID, ErrUnknownTask)
	}
	for _, existing := range task.DependsOn {
		if existing == depID {
			return nil
		}
	}
	task.DependsOn = append(task.DependsOn, depID)
	dep.Blocks = append(dep.Blocks, taskID)
	return nil
}

// Task returns a copy of the task with the given id.
func (c *Coordinator) Task(taskID string) (domain.Task, bool) {
	task, ok := c.tasks[taskID]
	if !ok {
		return domain.Task{}, false
	}
	return *task, true
}

// Tasks returns all tasks in creation order.
func (c *Coordinator) Tasks() []domain.Task {
	out := make([]domain.Task, 0, len(c.taskOrder))
	for _, id := range c.taskOrder {
		out = append(out, *c.tasks[id])
	}
	return out
}

// AssignInput selects or creates the task to assign. When TaskID is
// empty and Description is set, a new task is created first.
type AssignInput struct {
	TaskID               string
	Description          string
	RequiredCapabilities []string
	PreferAgent          string
}

// AssignTask assigns a task to the best-fit available agent.
//
// Selection order: a named available preferred agent wins unconditionally
// (capability match not required); otherwise available agents are ranked
// by capability match count descending, ties broken by completed-task
// count ascending; with no capability match at all, the first available
// agent in registration order is used regardless of fit. The same
// fallback applies when the task requires no capabilities.
//
// Returns ok=false with empty names when the task is blocked (status is
// then set to BLOCKED), when no agent is available, or when the task id
// is unknown. Callers must check ok; none of these cases is an error.
func (c *Coordinator) AssignTask(in AssignInput) (agentName, taskID string, ok bool) {
	var task *domain.Task
	switch {
	case in.TaskID == "" && strings.TrimSpace(in.Description) != "":
		created, err := c.CreateTask(in.Description, in.RequiredCapabilities, nil, "")
		if err != nil {
			return "", "", false
		}
		task = c.tasks[created.ID]
	case in.TaskID != "":
		existing, found := c.tasks[in.TaskID]
		if !found {
			return "", "", false
		}
		task = existing
	default:
		return "", "", false
	}

	if c.isBlocked(task.ID) {
		task.Status = domain.TaskStatusBlocked
		return "", "", false
	}

	agent := c.findBestAgent(task.RequiredCapabilities, in.PreferAgent)
	if agent == nil {
		return "", "", false
	}

	task.AssignedTo = agent.Name
	task.Status = domain.TaskStatusAssigned
	agent.CurrentTask = task.ID
	agent.LastActive = time.Now().UTC()
	return agent.Name, task.ID, true
}

// CompleteTask marks a task completed, frees its agent and re-evaluates
// every direct dependent, flipping it back to PENDING once no incomplete
// dependency remains. Propagation is local: a chain unblocks one link per
// completion. Unknown ids are a no-op.
func (c *Coordinator) CompleteTask(taskID, result string) {
	task, ok := c.tasks[taskID]
	if !ok {
		return
	}

	now := time.Now().UTC()
	task.Status = domain.TaskStatusCompleted
	task.CompletedAt = &now
	task.Result = result

	if agent, ok := c.agents[task.AssignedTo]; ok {
		agent.CurrentTask = ""
		agent.TasksCompleted++
		agent.LastActive = now
	}

	for _, blockedID := range task.Blocks {
		blocked, ok := c.tasks[blockedID]
		if !ok {
			continue
		}
		if !c.isBlocked(blockedID) && blocked.Status == domain.TaskStatusBlocked {
			blocked.Status = domain.TaskStatusPending
		}
	}
}

func (c *Coordinator) isBlocked(taskID string) bool {
	task, ok := c.tasks[taskID]
	if !ok {
		return false
	}
	for _, depID := range task.DependsOn {
		dep, ok := c.tasks[depID]
		if !ok {
			continue
		}
		if dep.Status != domain.TaskStatusCompleted {
			return true
		}
	}
	return false
}

func (c *Coordinator) findBestAgent(required []string, prefer string) *domain.Agent {
	if prefer != "" {
		if agent, ok := c.agents[prefer]; ok && agent.Available() {
			return agent
		}
	}

	type candidate struct {
		agent *domain.Agent
		score int
		order int
	}
	var candidates []candidate
	for i, name := range c.agentOrder {
		agent := c.agents[name]
		if !agent.Available() {
			continue
		}
		if len(required) == 0 {
			continue
		}
		score := 0
		for _, cap := range required {
			for _, have := range agent.Capabilities {
				if cap == have {
					score++
					break
				}
			}
		}
		if score > 0 {
			candidates = append(candidates, candidate{agent: agent, score: score, order: i})
		}
	}

	if len(candidates) == 0 {
		// No capability match (or none required): first available agent
		// in registration order, regardless of fit or load.
		for _, name := range c.agentOrder {
			if agent := c.agents[name]; agent.Available() {
				return agent
			}
		}
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].agent.TasksCompleted != candidates[j].agent.TasksCompleted {
			return candidates[i].agent.TasksCompleted < candidates[j].agent.TasksCompleted
		}
		return candidates[i].order < candidates[j].order
	})
	return candidates[0].agent
}

// AvailableTasks returns tasks that are PENDING and not blocked by an
// incomplete dependency; the dependency check is re-evaluated live.
func (c *Coordinator) AvailableTasks() []domain.Task {
	var out []domain.Task
	for _, id := range c.taskOrder {
		task := c.tasks[id]
		if task.Status == domain.TaskStatusPending && !c.isBlocked(id) {
			out = append(out, *task)
		}
	}
	return out
}

// AgentWorkload returns completed-count per agent, plus one when the
// agent has a task in flight.
func (c *Coordinator) AgentWorkload() map[string]int {
	out := make(map[string]int, len(c.agents))
	for name, agent := range c.agents {
		load := agent.TasksCompleted
		if agent.CurrentTask != "" {
			load++
		}
		out[name] = load
	}
	return out
}

// Snapshot captures the full coordinator state for external persistence.
func (c *Coordinator) Snapshot() domain.Snapshot {
	snap := domain.Snapshot{
		Agents:      c.Agents(),
		Tasks:       c.Tasks(),
		TaskCounter: c.taskCounter,
	}
	return snap
}

// Restore rebuilds a coordinator from a snapshot. The blocks lists are
// recomputed from depends_on so the inverse relation is exact even if
// the stored snapshot drifted.
func Restore(snap domain.Snapshot, logger *log.Logger) (*Coordinator, error) {
	c := New(logger)
	c.taskCounter = snap.TaskCounter

	for _, agent := range snap.Agents {
		a := agent
		a.Capabilities = append([]string(nil), agent.Capabilities...)
		if _, exists := c.agents[a.Name]; exists {
			return nil, fmt.Errorf("restore snapshot: duplicate agent %s", a.Name)
		}
		c.agents[a.Name] = &a
		c.agentOrder = append(c.agentOrder, a.Name)
	}
	for _, task := range snap.Tasks {
		t := task
		t.RequiredCapabilities = append([]string(nil), task.RequiredCapabilities...)
		t.DependsOn = append([]string(nil), task.DependsOn...)
		t.Blocks = nil
		if _, exists := c.tasks[t.ID]; exists {
			return nil, fmt.Errorf("restore snapshot: duplicate task %s", t.ID)
		}
		c.tasks[t.ID] = &t
		c.taskOrder = append(c.taskOrder, t.ID)
	}
	for _, id := range c.taskOrder {
		task := c.tasks[id]
		for _, depID := range task.DependsOn {
			dep, ok := c.tasks[depID]
			if !ok {
				return nil, fmt.Errorf("restore snapshot: task %s depends on unknown %s", id, depID)
			}
			dep.Blocks = append(dep.Blocks, id)
		}
	}
	return c, nil
}
