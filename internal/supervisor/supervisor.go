// internal/supervisor/supervisor.go
//
// This package manages the tmux sessions that host detached churn runs
// and the shared stop path used by the CLI and the monitor server.

package supervisor

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/churnlabs/churn/internal/state"
)

const sessionPrefix = "churn-"

// Available reports whether tmux is on PATH.
func Available() bool {
	_, err := exec.LookPath("tmux")
	return err == nil
}

// SessionName returns the tmux session name for a churn session.
func SessionName(session string) string {
	return sessionPrefix + session
}

// Exists reports whether the named tmux session is running.
func Exists(tmuxSession string) bool {
	return exec.Command("tmux", "has-session", "-t", tmuxSession).Run() == nil
}

// StartDetached launches command inside a new detached tmux session
// rooted at dir.
func StartDetached(tmuxSession, dir string, command ...string) error {
	if len(command) == 0 {
		return fmt.Errorf("supervisor: no command to run")
	}
	args := []string{"new-session", "-d", "-s", tmuxSession}
	if strings.TrimSpace(dir) != "" {
		args = append(args, "-c", dir)
	}
	args = append(args, command...)
	cmd := exec.Command("tmux", args...)
	var out strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		if trimmed := strings.TrimSpace(out.String()); trimmed != "" {
			return fmt.Errorf("supervisor: start tmux session %q: %s: %w", tmuxSession, trimmed, err)
		}
		return fmt.Errorf("supervisor: start tmux session %q: %w", tmuxSession, err)
	}
	return nil
}

// Kill terminates the named tmux session. A session that is already
// gone is not an error.
func Kill(tmuxSession string) error {
	if !Exists(tmuxSession) {
		return nil
	}
	if err := exec.Command("tmux", "kill-session", "-t", tmuxSession).Run(); err != nil {
		return fmt.Errorf("supervisor: kill tmux session %q: %w", tmuxSession, err)
	}
	return nil
}

// Stop ends a running churn session: the hosting tmux session is killed
// if there is one, and the record is marked stopped. Stopping a session
// that has already finished only updates the status.
func Stop(store *state.Store, session string) (state.Record, error) {
	rec, err := store.Get(session)
	if err != nil {
		return state.Record{}, err
	}
	if rec.TmuxSession != "" {
		if err := Kill(rec.TmuxSession); err != nil {
			return state.Record{}, err
		}
	}
	return store.Set(session, func(r *state.Record) {
		r.Status = state.StatusStopped
	})
}
