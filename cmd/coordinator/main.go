package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"agentloop/internal/board"
	"agentloop/internal/config"
	"agentloop/internal/conversation"
	"agentloop/internal/conversation/inproc"
	"agentloop/internal/coordinator"
	"agentloop/internal/domain"
	"agentloop/internal/loop"
	"agentloop/internal/review"
	sqlitestore "agentloop/internal/store/sqlite"
)

type app struct {
	cfg      config.Config
	store    *sqlitestore.Store
	reviewer *review.Reviewer
	lp       *loop.Loop

	// mu serializes all coordinator access: the coordinator itself is
	// single-threaded by contract.
	mu    sync.Mutex
	coord *coordinator.Coordinator

	// boardMu serializes board access between the loop goroutine and the
	// http handlers.
	boardMu sync.Mutex
	board   *board.Board
}

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.agentloop/config.toml)")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	local := flag.Bool("local", false, "use the in-memory conversation source instead of git/gh")
	runLoop := flag.Bool("loop", false, "run the autonomous polling loop")
	demo := flag.Bool("demo", false, "register demo agents and a starter task")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	addr := firstNonEmpty(*addrFlag, cfg.Coordinator.Addr, ":8600")
	dbPath := firstNonEmpty(*dbPathFlag, cfg.Coordinator.DBPath, "data/agentloop.db")
	dbPath = filepath.Clean(dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatalf("create db directory: %v", err)
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}

	snap, err := store.LoadSnapshot(ctx)
	if err != nil {
		log.Fatalf("load snapshot: %v", err)
	}
	coord, err := coordinator.Restore(snap, log.Default())
	if err != nil {
		log.Fatalf("restore coordinator: %v", err)
	}

	source, poster, err := buildTransport(cfg, *local)
	if err != nil {
		log.Fatalf("build conversation transport: %v", err)
	}

	taskBoard := board.New(firstNonEmpty(cfg.LocalPath, "."), "")
	if loaded, err := taskBoard.Load(); err != nil {
		log.Fatalf("load task board: %v", err)
	} else if loaded {
		log.Printf("task board loaded from %s", firstNonEmpty(cfg.LocalPath, "."))
	}

	a := &app{
		cfg:      cfg,
		store:    store,
		reviewer: review.NewReviewer(),
		coord:    coord,
		board:    taskBoard,
	}

	pollInterval := durationMS(cfg.Loop.PollIntervalMS, 30*time.Second)
	a.lp = loop.New(source, cfg.Threads, a.think, a.makeAct(poster), func(result domain.CycleResult) {
		if err := store.AppendCycle(context.Background(), result); err != nil {
			log.Printf("record cycle: %v", err)
		}
		a.renewKeepalive(pollInterval)
	}, log.Default())

	if *demo {
		a.bootstrapDemo()
	}

	if *runLoop {
		go func() {
			sessionID := uuid.NewString()[:8]
			log.Printf("loop session %s starting", sessionID)
			err := a.lp.Run(ctx, loop.Options{
				MaxCycles:    cfg.Loop.MaxCycles,
				PollInterval: pollInterval,
				StopWhenIdle: cfg.Loop.StopWhenIdle,
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("loop session %s stopped: %v", sessionID, err)
				return
			}
			log.Printf("loop session %s finished", sessionID)
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/status", a.handleStatus)
	mux.HandleFunc("/agents", a.handleAgents)
	mux.HandleFunc("/tasks", a.handleTasks)
	mux.HandleFunc("/tasks/", a.handleTaskByID)
	mux.HandleFunc("/conflicts", a.handleConflicts)
	mux.HandleFunc("/workload", a.handleWorkload)
	mux.HandleFunc("/review", a.handleReview)
	mux.HandleFunc("/board", a.handleBoard)
	mux.HandleFunc("/board/prompt", a.handleBoardPrompt)
	mux.HandleFunc("/loop/report", a.handleLoopReport)
	mux.HandleFunc("/loop/history", a.handleLoopHistory)
	mux.HandleFunc("/loop/tasks", a.handleLoopTasks)

	server := &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("agentloop coordinator started addr=%s db=%s speaker=%s threads=%d local=%t",
		addr, dbPath, cfg.Speaker, len(cfg.Threads), *local)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server failed: %v", err)
	}
}

// buildTransport returns the loop's message source plus the poster used
// by the act function. In local mode both are the in-memory source.
func buildTransport(cfg config.Config, local bool) (loop.Source, poster, error) {
	if local {
		src := inproc.New()
		for _, thread := range cfg.Threads {
			src.Post(domain.Message{
				Filename: time.Now().Format("20060102-1504") + "-system.md",
				Thread:   thread,
				Speaker:  "system",
				Content:  "<!-- speaker: system -->\n\nThread opened.",
			})
		}
		return src, &localPoster{src: src, speaker: cfg.Speaker}, nil
	}
	handler, err := conversation.NewHandler(conversation.Config{
		Repo:      cfg.Repo,
		Fork:      cfg.Fork,
		Speaker:   cfg.Speaker,
		LocalPath: cfg.LocalPath,
		ConversationsDir: firstNonEmpty(cfg.ConversationsDir, "conversations"),
	}, log.Default())
	if err != nil {
		return nil, nil, err
	}
	return handler, &prPoster{handler: handler, speaker: cfg.Speaker}, nil
}

// poster publishes loop task output to a thread.
type poster interface {
	Post(ctx context.Context, thread, content string) (string, error)
}

type prPoster struct {
	handler *conversation.Handler
	speaker string
}

func (p *prPoster) Post(ctx context.Context, thread, content string) (string, error) {
	return p.handler.PostMessage(ctx, conversation.PostInput{
		Thread:    thread,
		Content:   content,
		CommitMsg: fmt.Sprintf("%s: response in %s", p.speaker, thread),
	})
}

type localPoster struct {
	src     *inproc.Source
	speaker string
}

func (p *localPoster) Post(_ context.Context, thread, content string) (string, error) {
	p.src.Post(domain.Message{
		Filename: time.Now().Format("20060102-1504") + "-" + p.speaker + ".md",
		Thread:   thread,
		Speaker:  p.speaker,
		Content:  conversation.EnsureSpeakerHeader(content, p.speaker),
	})
	return "", nil
}

// think notes incoming messages. Deciding what to respond stays with the
// operator: tasks are queued through POST /loop/tasks, and the loop pops
// them FIFO when think has nothing more urgent.
func (a *app) think(newMessages []domain.Message, _ *loop.State) string {
	for _, msg := range newMessages {
		if msg.Speaker != a.cfg.Speaker {
			log.Printf("loop: new message from %s in %s: %s", msg.Speaker, msg.Thread, msg.Filename)
		}
	}
	return ""
}

// makeAct builds the act function: task text is peer reviewed, and only
// non-rejected content is posted to the first monitored thread. Each
// task is staged on the repo board so other agents see it.
func (a *app) makeAct(p poster) loop.ActFunc {
	return func(ctx context.Context, task string) (string, error) {
		a.boardMu.Lock()
		entry := a.board.AddTask(task, board.AddInput{
			AssignedTo: a.cfg.Speaker,
		})
		a.board.StartTask(entry.ID)
		a.boardMu.Unlock()

		summary := a.reviewer.Review(task, review.Context{})
		if summary.OverallVerdict == domain.VerdictReject {
			a.saveBoard(func() { a.board.BlockTask(entry.ID, summary.Summary) })
			return "", fmt.Errorf("peer review rejected: %s", summary.Summary)
		}
		if len(a.cfg.Threads) == 0 {
			log.Printf("loop: no threads configured, task noted: %s", task)
			a.saveBoard(func() { a.board.CompleteTask(entry.ID, "no thread configured") })
			return "", nil
		}
		prURL, err := p.Post(ctx, a.cfg.Threads[0], task)
		if err != nil {
			a.saveBoard(func() { a.board.BlockTask(entry.ID, err.Error()) })
			return "", err
		}
		a.saveBoard(func() { a.board.CompleteTask(entry.ID, prURL) })
		return prURL, nil
	}
}

// renewKeepalive re-adds the pending check-for-work task after each
// cycle so a board-driven agent never runs dry.
func (a *app) renewKeepalive(interval time.Duration) {
	waitMinutes := int(interval.Minutes())
	if waitMinutes < 1 {
		waitMinutes = 1
	}
	a.saveBoard(func() { a.board.EnsureKeepalive(waitMinutes, a.cfg.Threads) })
}

// saveBoard applies a mutation and persists the board under boardMu.
func (a *app) saveBoard(mutate func()) {
	a.boardMu.Lock()
	defer a.boardMu.Unlock()
	mutate()
	if err := a.board.Save(); err != nil {
		log.Printf("save task board: %v", err)
	}
}

func (a *app) bootstrapDemo() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, agent := range []struct {
		name, role string
		caps       []string
	}{
		{"coda", "builder", []string{"coding", "testing"}},
		{"opus", "skeptic", []string{"critique", "writing"}},
	} {
		if _, err := a.coord.RegisterAgent(agent.name, agent.role, agent.caps); err != nil {
			log.Printf("demo register %s: %v", agent.name, err)
		}
	}
	if _, err := a.coord.CreateTask("Read the monitored threads and summarize open questions", []string{"writing"}, nil, ""); err != nil {
		log.Printf("demo task: %v", err)
	}
	a.persistLocked()
}

// persistLocked writes the current snapshot. Callers hold a.mu.
func (a *app) persistLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.store.SaveSnapshot(ctx, a.coord.Snapshot()); err != nil {
		log.Printf("save snapshot: %v", err)
	}
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	a.mu.Lock()
	status := a.coord.Status()
	a.mu.Unlock()
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	_, _ = w.Write([]byte(status))
}

func (a *app) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.mu.Lock()
		agents := a.coord.Agents()
		a.mu.Unlock()
		writeJSON(w, http.StatusOK, agents)
	case http.MethodPost:
		var req struct {
			Name         string   `json:"name"`
			Role         string   `json:"role"`
			Capabilities []string `json:"capabilities"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		a.mu.Lock()
		agent, err := a.coord.RegisterAgent(req.Name, req.Role, req.Capabilities)
		if err == nil {
			a.persistLocked()
		}
		a.mu.Unlock()
		if err != nil {
			code := http.StatusBadRequest
			if errors.Is(err, coordinator.ErrDuplicateAgent) {
				code = http.StatusConflict
			}
			writeError(w, code, err)
			return
		}
		writeJSON(w, http.StatusCreated, agent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.mu.Lock()
		var tasks []domain.Task
		if r.URL.Query().Get("available") == "true" {
			tasks = a.coord.AvailableTasks()
		} else {
			tasks = a.coord.Tasks()
		}
		a.mu.Unlock()
		writeJSON(w, http.StatusOK, tasks)
	case http.MethodPost:
		var req struct {
			Description          string   `json:"description"`
			RequiredCapabilities []string `json:"required_capabilities"`
			DependsOn            []string `json:"depends_on"`
			Thread               string   `json:"thread"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		if strings.TrimSpace(req.Description) == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("description is required"))
			return
		}
		a.mu.Lock()
		task, err := a.coord.CreateTask(req.Description, req.RequiredCapabilities, req.DependsOn, req.Thread)
		if err == nil {
			a.persistLocked()
		}
		a.mu.Unlock()
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, task)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.Split(trimmed, "/")
	taskID := parts[0]
	if taskID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("task id is required"))
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		a.mu.Lock()
		task, ok := a.coord.Task(taskID)
		a.mu.Unlock()
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("task %s not found", taskID))
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}

	action := parts[1]
	switch action {
	case "assign":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			PreferAgent string `json:"prefer_agent"`
		}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
				return
			}
		}
		a.mu.Lock()
		agentName, assignedID, ok := a.coord.AssignTask(coordinator.AssignInput{
			TaskID:      taskID,
			PreferAgent: req.PreferAgent,
		})
		task, _ := a.coord.Task(taskID)
		a.persistLocked()
		a.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{
			"assigned": ok,
			"agent":    agentName,
			"task_id":  assignedID,
			"status":   task.Status,
		})
	case "complete":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Result string `json:"result"`
		}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
				return
			}
		}
		a.mu.Lock()
		a.coord.CompleteTask(taskID, req.Result)
		task, ok := a.coord.Task(taskID)
		a.persistLocked()
		a.mu.Unlock()
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("task %s not found", taskID))
			return
		}
		writeJSON(w, http.StatusOK, task)
	case "dependencies":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			DependsOn string `json:"depends_on"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		a.mu.Lock()
		err := a.coord.AddDependency(taskID, req.DependsOn)
		if err == nil {
			a.persistLocked()
		}
		a.mu.Unlock()
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "dependency added"})
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", action))
	}
}

func (a *app) handleConflicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	a.mu.Lock()
	conflicts := a.coord.CheckConflicts()
	a.mu.Unlock()
	if conflicts == nil {
		conflicts = []string{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

func (a *app) handleWorkload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	a.mu.Lock()
	workload := a.coord.AgentWorkload()
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, workload)
}

func (a *app) handleReview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Content        string   `json:"content"`
		PreviousClaims []string `json:"previous_claims"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("content is required"))
		return
	}
	summary := a.reviewer.Review(req.Content, review.Context{PreviousClaims: req.PreviousClaims})
	writeJSON(w, http.StatusOK, summary)
}

func (a *app) handleBoard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	a.boardMu.Lock()
	rendered := a.board.ToMarkdown()
	a.boardMu.Unlock()
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	_, _ = w.Write([]byte(rendered))
}

func (a *app) handleBoardPrompt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	a.boardMu.Lock()
	prompt := a.board.ToAgentPrompt()
	a.boardMu.Unlock()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(prompt))
}

func (a *app) handleLoopReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	_, _ = w.Write([]byte(a.lp.Report()))
}

func (a *app) handleLoopHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := queryInt(r, "limit", 50)
	history, err := a.store.ListCycles(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if history == nil {
		history = []domain.CycleResult{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (a *app) handleLoopTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Task string `json:"task"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	if strings.TrimSpace(req.Task) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("task is required"))
		return
	}
	a.lp.AddTask(req.Task)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued"})
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
