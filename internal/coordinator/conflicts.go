package coordinator

import (
	"fmt"
	"sort"
	"strings"

	"agentloop/internal/domain"
)

// CheckConflicts runs two independent checks and concatenates the
// human-readable findings:
//
//   - thread contention: more than one ASSIGNED or IN_PROGRESS task
//     writing to the same thread;
//   - circular dependencies: reported once per task that sits on, or
//     depends transitively on, a dependency cycle.
func (c *Coordinator) CheckConflicts() []string {
	var conflicts []string

	threadTasks := make(map[string][]string)
	for _, id := range c.taskOrder {
		task := c.tasks[id]
		if task.Thread == "" {
			continue
		}
		if task.Status == domain.TaskStatusAssigned || task.Status == domain.TaskStatusInProgress {
			threadTasks[task.Thread] = append(threadTasks[task.Thread], fmt.Sprintf("%s (%s)", task.ID, task.AssignedTo))
		}
	}
	threads := make([]string, 0, len(threadTasks))
	for thread := range threadTasks {
		threads = append(threads, thread)
	}
	sort.Strings(threads)
	for _, thread := range threads {
		entries := threadTasks[thread]
		if len(entries) > 1 {
			conflicts = append(conflicts, fmt.Sprintf("Thread conflict on '%s': %s", thread, strings.Join(entries, ", ")))
		}
	}

	cyclic := c.cyclicTasks()
	for _, id := range c.taskOrder {
		if cyclic[id] {
			conflicts = append(conflicts, fmt.Sprintf("Circular dependency involving %s", id))
		}
	}
	return conflicts
}

const (
	colorWhite = iota // unvisited
	colorGray         // on the current DFS stack
	colorBlack        // fully explored
)

// cyclicTasks marks every task whose dependency walk reaches a cycle:
// the cycle members themselves plus any task depending into one.
// Iterative three-color DFS with shared markers, one pass over the graph.
func (c *Coordinator) cyclicTasks() map[string]bool {
	color := make(map[string]int, len(c.tasks))
	cyclic := make(map[string]bool)

	type frame struct {
		id   string
		next int
	}

	for _, start := range c.taskOrder {
		if color[start] != colorWhite {
			continue
		}
		stack := []frame{{id: start}}
		color[start] = colorGray

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			task := c.tasks[top.id]

			if top.next < len(task.DependsOn) {
				depID := task.DependsOn[top.next]
				top.next++
				dep, ok := c.tasks[depID]
				if !ok {
					continue
				}
				switch color[dep.ID] {
				case colorWhite:
					color[dep.ID] = colorGray
					stack = append(stack, frame{id: dep.ID})
				case colorGray:
					// Back edge: everything from depID up the stack is
					// on the cycle.
					for i := len(stack) - 1; i >= 0; i-- {
						cyclic[stack[i].id] = true
						if stack[i].id == dep.ID {
							break
						}
					}
				case colorBlack:
					if cyclic[dep.ID] {
						cyclic[top.id] = true
					}
				}
				continue
			}

			color[top.id] = colorBlack
			stack = stack[:len(stack)-1]
			if cyclic[top.id] && len(stack) > 0 {
				cyclic[stack[len(stack)-1].id] = true
			}
		}
	}
	return cyclic
}
