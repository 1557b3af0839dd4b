package conversation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentloop/internal/domain"
)

// ErrNotMerged is returned by WaitForMerge when the timeout elapses
// before the pull request merges.
var ErrNotMerged = errors.New("pull request not merged within timeout")

// Config describes one conversation endpoint: the upstream repo that
// holds the threads, the fork we push branches to, and who we speak as.
type Config struct {
	// Repo is the upstream "org/repo".
	Repo string
	// Fork is the writable fork "user/repo".
	Fork string
	// Speaker is the label stamped into posted messages.
	Speaker string
	// ConversationsDir is the thread root inside the repo.
	ConversationsDir string
	// LocalPath is the working clone of the fork. Empty means the
	// current directory's toplevel, resolved at construction.
	LocalPath string
	// GitBinary and GHBinary override the CLI names, for tests.
	GitBinary string
	GHBinary  string
	// CommandTimeout bounds each external command.
	CommandTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConversationsDir == "" {
		c.ConversationsDir = "conversations"
	}
	if c.GitBinary == "" {
		c.GitBinary = "git"
	}
	if c.GHBinary == "" {
		c.GHBinary = "gh"
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 60 * time.Second
	}
	return c
}

// Handler reads threads through the GitHub API and posts messages as
// pull requests, shelling out to git and gh.
type Handler struct {
	cfg    Config
	logger *log.Logger
	now    func() time.Time
}

// NewHandler builds a handler. With no LocalPath configured it resolves
// the enclosing git toplevel, which may fail outside a clone.
func NewHandler(cfg Config, logger *log.Logger) (*Handler, error) {
	if logger == nil {
		logger = log.Default()
	}
	cfg = cfg.withDefaults()
	h := &Handler{cfg: cfg, logger: logger, now: time.Now}
	if h.cfg.LocalPath == "" {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.CommandTimeout)
		defer cancel()
		top, err := h.run(ctx, cfg.GitBinary, "rev-parse", "--show-toplevel")
		if err != nil {
			return nil, fmt.Errorf("resolve local clone: %w", err)
		}
		h.cfg.LocalPath = strings.TrimSpace(top)
	}
	return h, nil
}

func (h *Handler) run(ctx context.Context, name string, args ...string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, h.cfg.CommandTimeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = h.cfg.LocalPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s %s: %w; output: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

func (h *Handler) ghAPI(ctx context.Context, endpoint string, out any) error {
	raw, err := h.run(ctx, h.cfg.GHBinary, "api", endpoint)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("parse gh api response for %s: %w", endpoint, err)
	}
	return nil
}

type contentsEntry struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

// ListThreads returns the thread directories under the conversations
// root, skipping underscore-prefixed internals.
func (h *Handler) ListThreads(ctx context.Context) ([]string, error) {
	var entries []contentsEntry
	endpoint := fmt.Sprintf("repos/%s/contents/%s", h.cfg.Repo, h.cfg.ConversationsDir)
	if err := h.ghAPI(ctx, endpoint, &entries); err != nil {
		return nil, err
	}
	var threads []string
	for _, e := range entries {
		if e.Type == "dir" && !strings.HasPrefix(e.Name, "_") {
			threads = append(threads, e.Name)
		}
	}
	return threads, nil
}

// ListMessages returns the message filenames of a thread in sort order.
// Metadata files are not messages.
func (h *Handler) ListMessages(ctx context.Context, thread string) ([]string, error) {
	var entries []contentsEntry
	endpoint := fmt.Sprintf("repos/%s/contents/%s/%s", h.cfg.Repo, h.cfg.ConversationsDir, thread)
	if err := h.ghAPI(ctx, endpoint, &entries); err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name, ".md") && e.Name != "_metadata.md" {
			files = append(files, e.Name)
		}
	}
	sort.Strings(files)
	return files, nil
}

// ReadMessage fetches one message file and decodes its body, speaker
// header and timestamp prefix.
func (h *Handler) ReadMessage(ctx context.Context, thread, filename string) (domain.Message, error) {
	var entry contentsEntry
	endpoint := fmt.Sprintf("repos/%s/contents/%s/%s/%s", h.cfg.Repo, h.cfg.ConversationsDir, thread, filename)
	if err := h.ghAPI(ctx, endpoint, &entry); err != nil {
		return domain.Message{}, err
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(entry.Content, "\n", ""))
	if err != nil {
		return domain.Message{}, fmt.Errorf("decode message %s/%s: %w", thread, filename, err)
	}
	content := string(decoded)
	return domain.Message{
		Filename:  filename,
		Thread:    thread,
		Speaker:   Speaker(content),
		Timestamp: Timestamp(filename),
		Content:   content,
	}, nil
}

// ReadThread reads a thread's messages in sort order, keeping only the
// last n when n > 0.
func (h *Handler) ReadThread(ctx context.Context, thread string, lastN int) ([]domain.Message, error) {
	filenames, err := h.ListMessages(ctx, thread)
	if err != nil {
		return nil, err
	}
	if lastN > 0 && len(filenames) > lastN {
		filenames = filenames[len(filenames)-lastN:]
	}
	msgs := make([]domain.Message, 0, len(filenames))
	for _, f := range filenames {
		msg, err := h.ReadMessage(ctx, thread, f)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// NewMessages returns messages whose filename sorts strictly after the
// watermark. A watermark without a parseable timestamp prefix yields
// nothing.
func (h *Handler) NewMessages(ctx context.Context, thread, after string) ([]domain.Message, error) {
	if Timestamp(after) == "" {
		return nil, nil
	}
	filenames, err := h.ListMessages(ctx, thread)
	if err != nil {
		return nil, err
	}
	var msgs []domain.Message
	for _, f := range filenames {
		if f <= after {
			continue
		}
		msg, err := h.ReadMessage(ctx, thread, f)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// generateFilename builds the timestamped message filename. The prefix
// is the sort key, the rest identifies the speaker.
func (h *Handler) generateFilename(suffix string) string {
	name := h.now().Format("20060102-1504") + "-" + h.cfg.Speaker
	if suffix != "" {
		name += "-" + suffix
	}
	return name + ".md"
}

// syncFork resets the fork's main to upstream before branching, so the
// PR diff is exactly one message file.
func (h *Handler) syncFork(ctx context.Context) error {
	steps := [][]string{
		{"checkout", "main"},
		{"fetch", "https://github.com/" + h.cfg.Repo + ".git", "main"},
		{"reset", "--hard", "FETCH_HEAD"},
		{"push", "origin", "main", "--force"},
	}
	for _, args := range steps {
		if _, err := h.run(ctx, h.cfg.GitBinary, args...); err != nil {
			return fmt.Errorf("sync fork: %w", err)
		}
	}
	return nil
}

// PostInput describes one message post. CommitMsg is required; PRTitle
// falls back to it.
type PostInput struct {
	Thread         string
	Content        string
	CommitMsg      string
	PRTitle        string
	PRBody         string
	FilenameSuffix string
}

// PostMessage publishes a message as a pull request against upstream
// and returns the PR URL.
func (h *Handler) PostMessage(ctx context.Context, in PostInput) (string, error) {
	content := EnsureSpeakerHeader(in.Content, h.cfg.Speaker)
	filename := h.generateFilename(in.FilenameSuffix)
	relPath := filepath.Join(h.cfg.ConversationsDir, in.Thread, filename)
	branch := fmt.Sprintf("%s/%s-%s", h.cfg.Speaker, in.Thread, uuid.NewString()[:8])

	if err := h.syncFork(ctx); err != nil {
		return "", err
	}
	if _, err := h.run(ctx, h.cfg.GitBinary, "checkout", "-b", branch); err != nil {
		return "", err
	}

	fullPath := filepath.Join(h.cfg.LocalPath, relPath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("create thread dir: %w", err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write message file: %w", err)
	}

	for _, args := range [][]string{
		{"add", relPath},
		{"commit", "-m", in.CommitMsg},
		{"push", "-u", "origin", branch},
	} {
		if _, err := h.run(ctx, h.cfg.GitBinary, args...); err != nil {
			return "", err
		}
	}

	title := in.PRTitle
	if title == "" {
		title = in.CommitMsg
	}
	output, err := h.run(ctx, h.cfg.GHBinary, "pr", "create", "--title", title, "--body", in.PRBody)
	if err != nil {
		return "", err
	}
	lines := strings.Split(strings.TrimSpace(output), "\n")
	prURL := lines[len(lines)-1]

	if _, err := h.run(ctx, h.cfg.GitBinary, "checkout", "main"); err != nil {
		h.logger.Printf("conversation: return to main failed: %v", err)
	}
	return prURL, nil
}

// WaitForMerge polls a PR until it merges or the timeout elapses.
func (h *Handler) WaitForMerge(ctx context.Context, prURL string, timeout time.Duration) error {
	parts := strings.Split(strings.TrimRight(prURL, "/"), "/")
	prNumber := parts[len(parts)-1]

	deadline := h.now().Add(timeout)
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		output, err := h.run(ctx, h.cfg.GHBinary,
			"pr", "view", prNumber, "--repo", h.cfg.Repo, "--json", "state", "--jq", ".state")
		if err != nil {
			h.logger.Printf("conversation: pr state check failed: %v", err)
		} else if strings.Contains(output, "MERGED") {
			return nil
		}
		if h.now().After(deadline) {
			return ErrNotMerged
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
