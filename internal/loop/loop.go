// internal/loop/loop.go
//
// This package drives the iteration loop for one session: pick the next
// task block, run the agent against it, re-read the document, and decide
// whether the run is genuinely complete. The session record is written
// through the store after every iteration so other processes always see
// current progress.

package loop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/churnlabs/churn/internal/agent"
	"github.com/churnlabs/churn/internal/completion"
	"github.com/churnlabs/churn/internal/logging"
	"github.com/churnlabs/churn/internal/state"
	"github.com/churnlabs/churn/internal/taskdoc"
)

// Reason explains why a loop ended without completing.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonError         Reason = "error"
	ReasonMaxIterations Reason = "max_iterations"
	ReasonStopped       Reason = "stopped"
)

// Progress is handed to the caller's callback after each iteration.
type Progress struct {
	Iteration int
	Status    state.Status
	Remaining int
	TaskID    string
}

// Options configures one loop invocation.
type Options struct {
	Session       string
	Directory     string
	TaskDocument  string
	MaxIterations int
	Marker        string
	Model         string
	TmuxSession   string
	RawDir        string
	OnProgress    func(Progress)
}

// Result is the terminal outcome of a loop invocation.
type Result struct {
	Status     state.Status
	Reason     Reason
	Iterations int
}

// Controller runs the iteration loop for a single session.
type Controller struct {
	store  *state.Store
	agent  agent.Agent
	logger *logging.Logger
	opts   Options
}

// New validates the options and builds a controller. Validation happens
// here, before the first store write, so a bad invocation never leaves a
// record behind.
func New(store *state.Store, ag agent.Agent, logger *logging.Logger, opts Options) (*Controller, error) {
	if store == nil {
		return nil, fmt.Errorf("loop: store is required")
	}
	if ag == nil {
		return nil, fmt.Errorf("loop: agent is required")
	}
	if strings.TrimSpace(opts.Session) == "" {
		return nil, fmt.Errorf("loop: session name is required")
	}
	if opts.MaxIterations < 1 {
		return nil, fmt.Errorf("loop: max iterations must be >= 1, got %d", opts.MaxIterations)
	}
	info, err := os.Stat(opts.Directory)
	if err != nil {
		return nil, fmt.Errorf("loop: target directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("loop: %s is not a directory", opts.Directory)
	}
	if strings.TrimSpace(opts.TaskDocument) == "" {
		return nil, fmt.Errorf("loop: task document is required")
	}
	docPath := filepath.Join(opts.Directory, opts.TaskDocument)
	if _, err := os.Stat(docPath); err != nil {
		return nil, fmt.Errorf("loop: task document: %w", err)
	}
	if err := ag.CheckInstalled(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(opts.Marker) == "" {
		opts.Marker = completion.DefaultMarker
	}
	return &Controller{store: store, agent: ag, logger: logger, opts: opts}, nil
}

// Run executes iterations until completion, failure, exhaustion of the
// iteration budget, or an externally requested stop. The terminal status
// is always persisted before Run returns.
func (c *Controller) Run(ctx context.Context) (Result, error) {
	rawLog := c.rawLogPath()
	if _, err := c.store.Set(c.opts.Session, func(r *state.Record) {
		r.Directory = c.opts.Directory
		r.TaskDocument = c.opts.TaskDocument
		r.AgentPID = os.Getpid()
		r.TmuxSession = c.opts.TmuxSession
		r.StartedAt = time.Now().UTC()
		r.Iteration = 0
		r.MaxIterations = c.opts.MaxIterations
		r.Status = state.StatusRunning
		r.CompletionMarker = c.opts.Marker
		r.LogFile = c.logger.Path()
		r.RawLogFile = rawLog
		r.LastError = ""
	}); err != nil {
		return Result{}, err
	}
	c.logger.Printf("loop: session %q started (doc=%s max=%d agent=%s)",
		c.opts.Session, c.opts.TaskDocument, c.opts.MaxIterations, c.agent.Name())

	for iteration := 1; iteration <= c.opts.MaxIterations; iteration++ {
		if stopped, err := c.stopRequested(ctx); err != nil {
			return Result{}, err
		} else if stopped {
			c.logger.Printf("loop: session %q stopped externally at iteration %d", c.opts.Session, iteration)
			return Result{Status: state.StatusStopped, Reason: ReasonStopped, Iterations: iteration - 1}, nil
		}

		text, err := c.readDocument()
		if err != nil {
			return c.fail(iteration, err)
		}
		prompt, taskID := c.buildPrompt(text)

		c.logger.Printf("loop: iteration %d/%d task=%s", iteration, c.opts.MaxIterations, orDash(taskID))
		res, err := c.agent.Run(ctx, agent.Request{
			Prompt: prompt,
			Model:  c.opts.Model,
			Dir:    c.opts.Directory,
		})
		if err != nil {
			return c.fail(iteration, err)
		}
		if strings.TrimSpace(res.Raw) == "" || strings.TrimSpace(res.Text) == "" {
			return c.fail(iteration, fmt.Errorf("loop: agent produced no output"))
		}
		c.appendRawLog(rawLog, iteration, res.Raw)

		text, err = c.readDocument()
		if err != nil {
			return c.fail(iteration, err)
		}
		remaining := taskdoc.RemainingCount(text)
		complete := remaining == 0 && completion.Match(res.Text, c.opts.Marker)

		status := state.StatusRunning
		if complete {
			status = state.StatusComplete
		}
		persisted, err := c.store.Set(c.opts.Session, func(r *state.Record) {
			r.Iteration = iteration
			// A stop that landed while the agent was running wins over
			// this iteration's result.
			if r.Status != state.StatusStopped {
				r.Status = status
			}
			r.RemainingTasks = remaining
			r.LastTaskID = taskID
			r.LastLogLine = lastLine(res.Text)
		})
		if err != nil {
			return Result{}, err
		}
		c.report(Progress{Iteration: iteration, Status: persisted.Status, Remaining: remaining, TaskID: taskID})

		if persisted.Status == state.StatusStopped {
			c.logger.Printf("loop: session %q stopped externally at iteration %d", c.opts.Session, iteration)
			return Result{Status: state.StatusStopped, Reason: ReasonStopped, Iterations: iteration}, nil
		}
		if complete {
			c.logger.Printf("loop: session %q complete after %d iteration(s)", c.opts.Session, iteration)
			return Result{Status: state.StatusComplete, Iterations: iteration}, nil
		}
		c.logger.Printf("loop: iteration %d done, %d task(s) remaining", iteration, remaining)
	}

	if _, err := c.store.Set(c.opts.Session, func(r *state.Record) {
		r.Status = state.StatusFailed
		r.LastError = string(ReasonMaxIterations)
	}); err != nil {
		return Result{}, err
	}
	c.report(Progress{Iteration: c.opts.MaxIterations, Status: state.StatusFailed})
	c.logger.Printf("loop: session %q hit the iteration budget (%d) without completing",
		c.opts.Session, c.opts.MaxIterations)
	return Result{Status: state.StatusFailed, Reason: ReasonMaxIterations, Iterations: c.opts.MaxIterations}, nil
}

// stopRequested reports whether another process flipped the record to
// stopped, or the context was cancelled.
func (c *Controller) stopRequested(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		_, err := c.store.Set(c.opts.Session, func(r *state.Record) {
			r.Status = state.StatusStopped
		})
		return true, err
	}
	rec, err := c.store.Get(c.opts.Session)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			// Someone deleted the record out from under us. Treat it
			// like a stop rather than resurrecting the session.
			return true, nil
		}
		return false, err
	}
	return rec.Status == state.StatusStopped, nil
}

func (c *Controller) fail(iteration int, cause error) (Result, error) {
	if _, err := c.store.Set(c.opts.Session, func(r *state.Record) {
		r.Iteration = iteration
		r.Status = state.StatusFailed
		r.LastError = cause.Error()
	}); err != nil {
		return Result{}, err
	}
	c.report(Progress{Iteration: iteration, Status: state.StatusFailed})
	c.logger.Printf("loop: session %q failed at iteration %d: %v", c.opts.Session, iteration, cause)
	return Result{Status: state.StatusFailed, Reason: ReasonError, Iterations: iteration}, cause
}

func (c *Controller) readDocument() (string, error) {
	path := filepath.Join(c.opts.Directory, c.opts.TaskDocument)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("loop: read task document: %w", err)
	}
	return string(data), nil
}

// buildPrompt selects the next unit of work and phrases the iteration
// prompt around it. With no unchecked work left, the agent is asked to
// verify and emit the completion token instead.
func (c *Controller) buildPrompt(text string) (prompt, taskID string) {
	token := completion.Token(c.opts.Marker)
	if taskdoc.HasBlocks(text) {
		if block, ok := taskdoc.NextBlock(text); ok {
			return fmt.Sprintf(
				"Work on the following task from %s. When it is done, check off its checkbox in %s.\n\n%s\n\nIf every task in %s is now checked off, end your reply with a line containing exactly %s and nothing else. Otherwise do not mention %s at all.",
				c.opts.TaskDocument, c.opts.TaskDocument, block.Raw(), c.opts.TaskDocument, token, token,
			), block.ID
		}
	} else if line, ok := taskdoc.FirstUncheckedAnywhere(text); ok {
		return fmt.Sprintf(
			"Work on the next unchecked item in %s:\n\n%s\n\nWhen it is done, check off its checkbox in %s. If every item is now checked off, end your reply with a line containing exactly %s and nothing else. Otherwise do not mention %s at all.",
			c.opts.TaskDocument, line.Text, c.opts.TaskDocument, token, token,
		), line.TaskID
	}
	return fmt.Sprintf(
		"Every checkbox in %s appears to be checked. Verify the work is actually finished. If it is, reply with a line containing exactly %s and nothing else. If anything is incomplete, add an unchecked task for it to %s instead and do not mention %s.",
		c.opts.TaskDocument, token, c.opts.TaskDocument, token,
	), ""
}

func (c *Controller) rawLogPath() string {
	if strings.TrimSpace(c.opts.RawDir) == "" {
		return ""
	}
	name := fmt.Sprintf("%s-%s.log", c.opts.Session, uuid.NewString())
	return filepath.Join(c.opts.RawDir, name)
}

// appendRawLog best-effort appends one iteration's raw transcript.
func (c *Controller) appendRawLog(path string, iteration int, raw string) {
	if path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		c.logger.Printf("loop: raw log dir: %v", err)
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		c.logger.Printf("loop: raw log: %v", err)
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "=== iteration %d (%s) ===\n%s\n", iteration, time.Now().Format(time.RFC3339), raw)
}

func (c *Controller) report(p Progress) {
	if c.opts.OnProgress != nil {
		c.opts.OnProgress(p)
	}
}

func lastLine(text string) string {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
