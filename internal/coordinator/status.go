package coordinator

import (
	"fmt"
	"strings"
)

// Status renders a markdown dashboard of agents, tasks and any detected
// conflicts. The output is plain data for an external renderer; nothing
// here writes to disk.
func (c *Coordinator) Status() string {
	var b strings.Builder
	b.WriteString("## Agent Coordinator Status\n\n")
	b.WriteString("### Agents\n\n")
	b.WriteString("| Agent | Role | Status | Tasks Done |\n")
	b.WriteString("|-------|------|--------|------------|\n")
	for _, name := range c.agentOrder {
		agent := c.agents[name]
		status := "Available"
		if agent.CurrentTask != "" {
			status = "Working on " + agent.CurrentTask
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %d |\n", agent.Name, agent.Role, status, agent.TasksCompleted)
	}

	b.WriteString("\n### Tasks\n\n")
	b.WriteString("| ID | Description | Status | Assigned | Blocked By |\n")
	b.WriteString("|-----|-------------|--------|----------|------------|\n")
	for _, id := range c.taskOrder {
		task := c.tasks[id]
		blocked := "—"
		if len(task.DependsOn) > 0 {
			blocked = strings.Join(task.DependsOn, ", ")
		}
		assigned := task.AssignedTo
		if assigned == "" {
			assigned = "—"
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
			task.ID, trimLine(task.Description, 40), task.Status, assigned, blocked)
	}

	if conflicts := c.CheckConflicts(); len(conflicts) > 0 {
		b.WriteString("\n### Conflicts\n\n")
		for _, conflict := range conflicts {
			b.WriteString("- " + conflict + "\n")
		}
	}
	return b.String()
}

func trimLine(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
