package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/churnlabs/churn/internal/state"
)

func newTestDash(t *testing.T, stop Stopper) (*Dash, *state.Store) {
	t.Helper()
	store, err := state.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return NewDash(store, stop), store
}

func seed(t *testing.T, store *state.Store, name string, status state.Status) {
	t.Helper()
	if _, err := store.Set(name, func(r *state.Record) {
		r.Status = status
		r.Iteration = 1
		r.MaxIterations = 5
	}); err != nil {
		t.Fatalf("seed %s: %v", name, err)
	}
}

func refreshNow(t *testing.T, d *Dash) {
	t.Helper()
	msg := d.refresh()()
	if _, ok := msg.(refreshMsg); !ok {
		t.Fatalf("expected refreshMsg, got %T", msg)
	}
	d.Update(msg)
}

func TestViewShowsEmptyState(t *testing.T) {
	d, _ := newTestDash(t, nil)
	refreshNow(t, d)
	if !strings.Contains(d.View(), "no sessions yet") {
		t.Fatalf("expected empty-state hint:\n%s", d.View())
	}
}

func TestViewListsSessions(t *testing.T) {
	d, store := newTestDash(t, nil)
	seed(t, store, "alpha", state.StatusRunning)
	seed(t, store, "bravo", state.StatusComplete)
	refreshNow(t, d)

	view := d.View()
	for _, want := range []string{"alpha", "bravo", "running", "complete", "1/5"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
}

func TestSelectionMoves(t *testing.T) {
	d, store := newTestDash(t, nil)
	seed(t, store, "alpha", state.StatusRunning)
	seed(t, store, "bravo", state.StatusRunning)
	refreshNow(t, d)

	d.Update(tea.KeyMsg{Type: tea.KeyDown})
	if d.selection != 1 {
		t.Fatalf("expected selection 1, got %d", d.selection)
	}
	d.Update(tea.KeyMsg{Type: tea.KeyDown})
	if d.selection != 1 {
		t.Fatalf("selection ran past the end: %d", d.selection)
	}
	d.Update(tea.KeyMsg{Type: tea.KeyUp})
	if d.selection != 0 {
		t.Fatalf("expected selection 0, got %d", d.selection)
	}
}

func TestStopKeyInvokesStopper(t *testing.T) {
	var stopped string
	d, store := newTestDash(t, func(s *state.Store, session string) (state.Record, error) {
		stopped = session
		return s.Set(session, func(r *state.Record) {
			r.Status = state.StatusStopped
		})
	})
	seed(t, store, "alpha", state.StatusRunning)
	refreshNow(t, d)

	_, cmd := d.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'s'}})
	if cmd == nil {
		t.Fatalf("expected a stop command")
	}
	msg := cmd()
	done, ok := msg.(stopDoneMsg)
	if !ok {
		t.Fatalf("expected stopDoneMsg, got %T", msg)
	}
	if done.err != nil || done.session != "alpha" || stopped != "alpha" {
		t.Fatalf("unexpected stop result: %+v stopped=%q", done, stopped)
	}
}

func TestStopKeyIgnoresFinishedSessions(t *testing.T) {
	d, store := newTestDash(t, func(*state.Store, string) (state.Record, error) {
		t.Fatal("stopper should not run for a finished session")
		return state.Record{}, nil
	})
	seed(t, store, "alpha", state.StatusComplete)
	refreshNow(t, d)

	_, cmd := d.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'s'}})
	if cmd != nil {
		t.Fatalf("expected no command for finished session")
	}
	if !strings.Contains(d.statusMsg, "not running") {
		t.Fatalf("expected status hint, got %q", d.statusMsg)
	}
}

func TestQuitKeyQuits(t *testing.T) {
	d, _ := newTestDash(t, nil)
	_, cmd := d.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatalf("expected quit command")
	}
	if msg := cmd(); msg != tea.Quit() {
		t.Fatalf("expected tea.Quit, got %T", msg)
	}
}
