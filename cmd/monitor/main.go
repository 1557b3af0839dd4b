package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"agentloop/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

func main() {
	addr := flag.String("addr", "http://localhost:8600", "coordinator base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "coordinator health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()

	agentsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(false, false)
	agentsTable.SetTitle("Agents").SetBorder(true)

	tasksTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	tasksTable.SetTitle("Tasks (Enter assign, F5 refresh, F10 quit)").SetBorder(true)

	conflictsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true)
	conflictsView.SetTitle("Conflicts").SetBorder(true)

	historyView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	historyView.SetTitle("Loop History").SetBorder(true)

	promptInput := tview.NewInputField().
		SetLabel("New task: ")
	promptInput.SetBorder(true).SetTitle("Enter = create+assign task")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | shortcuts: F10 quit, F5 refresh, Ctrl+L focus prompt, Ctrl+T focus tasks",
		c.baseURL,
	))

	left := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(agentsTable, 0, 1, false).
		AddItem(tasksTable, 0, 2, false)
	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(conflictsView, 0, 1, false).
		AddItem(historyView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(left, 0, 3, false).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(promptInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var lastTasks []domain.Task

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refresh := func() {
		agents, agentsErr := c.listAgents()
		tasks, tasksErr := c.listTasks()
		conflicts, conflictsErr := c.listConflicts()
		history, historyErr := c.listHistory(20)

		app.QueueUpdateDraw(func() {
			if tasksErr == nil {
				lastTasks = tasks
			}
			if agentsErr != nil {
				agentsTable.Clear()
				agentsTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", agentsErr)))
			} else {
				renderAgentsTable(agentsTable, agents)
			}
			if tasksErr != nil {
				tasksTable.Clear()
				tasksTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", tasksErr)))
			} else {
				renderTasksTable(tasksTable, tasks)
			}
			if conflictsErr != nil {
				conflictsView.SetText(fmt.Sprintf("error: %v", conflictsErr))
			} else {
				conflictsView.SetText(renderConflicts(conflicts))
			}
			if historyErr != nil {
				historyView.SetText(fmt.Sprintf("error: %v", historyErr))
			} else {
				historyView.SetText(renderHistory(history))
			}
		})
	}

	submitPrompt := func(prompt string) {
		prompt = strings.TrimSpace(prompt)
		if prompt == "" {
			return
		}
		setStatusUI("Creating task...")
		promptInput.SetText("")
		go func(description string) {
			taskID, agent, err := c.createAndAssignTask(description)
			if err != nil {
				setStatusAsync("Failed to create task: " + err.Error())
				return
			}
			refresh()
			if agent == "" {
				setStatusAsync(fmt.Sprintf("Task %s created, no agent available", taskID))
				return
			}
			setStatusAsync(fmt.Sprintf("Task %s assigned to %s", taskID, agent))
		}(prompt)
	}

	promptInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitPrompt(promptInput.GetText())
	})

	tasksTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastTasks) {
			return
		}
		task := lastTasks[row-1]
		go func() {
			agent, err := c.assignTask(task.ID)
			if err != nil {
				setStatusAsync("Assign failed: " + err.Error())
				return
			}
			refresh()
			if agent == "" {
				setStatusAsync(fmt.Sprintf("%s not assigned (blocked or no agent available)", task.ID))
				return
			}
			setStatusAsync(fmt.Sprintf("%s assigned to %s", task.ID, agent))
		}()
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if app.GetFocus() == promptInput {
			if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTAB {
				app.SetFocus(tasksTable)
				setStatusUI("Focus -> tasks")
				return nil
			}
			return event
		}
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go refresh()
			setStatusUI("Manual refresh")
			return nil
		case tcell.KeyCtrlL:
			app.SetFocus(promptInput)
			setStatusUI("Focus -> prompt")
			return nil
		case tcell.KeyCtrlT:
			app.SetFocus(tasksTable)
			setStatusUI("Focus -> tasks")
			return nil
		case tcell.KeyTAB:
			app.SetFocus(promptInput)
			return nil
		case tcell.KeyRune:
			app.SetFocus(promptInput)
			return event
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		refresh()
		for range ticker.C {
			refresh()
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(promptInput).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode < 300 {
					return nil
				}
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func renderAgentsTable(table *tview.Table, agents []domain.Agent) {
	table.Clear()
	headers := []string{"Agent", "Role", "Status", "Done", "Capabilities"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, a := range agents {
		row := i + 1
		status := "available"
		if a.CurrentTask != "" {
			status = "on " + a.CurrentTask
		}
		table.SetCell(row, 0, tview.NewTableCell(a.Name))
		table.SetCell(row, 1, tview.NewTableCell(a.Role))
		table.SetCell(row, 2, tview.NewTableCell(status))
		table.SetCell(row, 3, tview.NewTableCell(fmt.Sprintf("%d", a.TasksCompleted)))
		table.SetCell(row, 4, tview.NewTableCell(trimLine(strings.Join(a.Capabilities, ","), 32)))
	}
}

func renderTasksTable(table *tview.Table, tasks []domain.Task) {
	table.Clear()
	headers := []string{"Task", "Status", "Agent", "Thread", "Description"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, t := range tasks {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(t.ID))
		table.SetCell(row, 1, tview.NewTableCell(string(t.Status)))
		table.SetCell(row, 2, tview.NewTableCell(t.AssignedTo))
		table.SetCell(row, 3, tview.NewTableCell(t.Thread))
		table.SetCell(row, 4, tview.NewTableCell(trimLine(t.Description, 48)))
	}
}

func renderConflicts(conflicts []string) string {
	if len(conflicts) == 0 {
		return "No conflicts"
	}
	var b strings.Builder
	for _, conflict := range conflicts {
		b.WriteString("- " + conflict + "\n")
	}
	return b.String()
}

func renderHistory(history []domain.CycleResult) string {
	if len(history) == 0 {
		return "No cycles recorded"
	}
	var b strings.Builder
	for _, r := range history {
		action := r.ActionTaken
		if action == "" {
			action = "(idle)"
		}
		b.WriteString(fmt.Sprintf(
			"[%s] cycle %d  msgs=%d  %s\n",
			r.Timestamp.Format("15:04:05"),
			r.CycleNumber,
			len(r.NewMessages),
			trimLine(action, 60),
		))
		if r.PRURL != "" {
			b.WriteString("  pr: " + r.PRURL + "\n")
		}
	}
	return b.String()
}

func (c *client) listAgents() ([]domain.Agent, error) {
	var out []domain.Agent
	if err := c.getJSON("/agents", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listTasks() ([]domain.Task, error) {
	var out []domain.Task
	if err := c.getJSON("/tasks", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listConflicts() ([]string, error) {
	var out []string
	if err := c.getJSON("/conflicts", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listHistory(limit int) ([]domain.CycleResult, error) {
	var out []domain.CycleResult
	if err := c.getJSON(fmt.Sprintf("/loop/history?limit=%d", limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

type assignResponse struct {
	Assigned bool   `json:"assigned"`
	Agent    string `json:"agent"`
	TaskID   string `json:"task_id"`
}

func (c *client) createAndAssignTask(description string) (string, string, error) {
	var task domain.Task
	if err := c.postJSON("/tasks", map[string]any{"description": description}, &task); err != nil {
		return "", "", err
	}
	agent, err := c.assignTask(task.ID)
	if err != nil {
		return task.ID, "", err
	}
	return task.ID, agent, nil
}

func (c *client) assignTask(taskID string) (string, error) {
	var resp assignResponse
	if err := c.postJSON(fmt.Sprintf("/tasks/%s/assign", taskID), map[string]any{}, &resp); err != nil {
		return "", err
	}
	if !resp.Assigned {
		return "", nil
	}
	return resp.Agent, nil
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func (c *client) postJSON(path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
