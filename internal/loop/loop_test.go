package loop

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/churnlabs/churn/internal/agent"
	"github.com/churnlabs/churn/internal/state"
)

type fakeAgent struct {
	installErr error
	run        func(ctx context.Context, req agent.Request) (agent.Result, error)
}

func (f *fakeAgent) Name() string          { return "fake" }
func (f *fakeAgent) CheckInstalled() error { return f.installErr }
func (f *fakeAgent) Run(ctx context.Context, req agent.Request) (agent.Result, error) {
	return f.run(ctx, req)
}

const twoTaskDoc = `# Work

### Task T-1
- [ ] T-1 implement the widget

---

### Task T-2
- [ ] T-2 document the widget
`

func textResult(text string) (agent.Result, error) {
	return agent.Result{Raw: text, Text: text}, nil
}

type fixture struct {
	store *state.Store
	dir   string
	doc   string
}

func newFixture(t *testing.T, doc string) fixture {
	t.Helper()
	store, err := state.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "TODO.md")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write doc: %v", err)
	}
	return fixture{store: store, dir: dir, doc: path}
}

func (f fixture) options(max int) Options {
	return Options{
		Session:       "test",
		Directory:     f.dir,
		TaskDocument:  "TODO.md",
		MaxIterations: max,
	}
}

func (f fixture) checkOff(t *testing.T, id string) {
	t.Helper()
	data, err := os.ReadFile(f.doc)
	if err != nil {
		t.Fatalf("read doc: %v", err)
	}
	updated := strings.Replace(string(data), "- [ ] "+id, "- [x] "+id, 1)
	if err := os.WriteFile(f.doc, []byte(updated), 0o644); err != nil {
		t.Fatalf("write doc: %v", err)
	}
}

func TestRunCompletesWhenWorkIsDone(t *testing.T) {
	fx := newFixture(t, twoTaskDoc)
	var prompts []string
	ag := &fakeAgent{run: func(_ context.Context, req agent.Request) (agent.Result, error) {
		prompts = append(prompts, req.Prompt)
		switch len(prompts) {
		case 1:
			fx.checkOff(t, "T-1")
			return textResult("widget implemented, one task left")
		default:
			fx.checkOff(t, "T-2")
			return textResult("all finished\n\n<promise>DONE</promise>\n")
		}
	}}
	var seen []Progress
	opts := fx.options(5)
	opts.OnProgress = func(p Progress) { seen = append(seen, p) }

	ctrl, err := New(fx.store, ag, nil, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != state.StatusComplete || result.Iterations != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if !strings.Contains(prompts[0], "T-1 implement the widget") {
		t.Fatalf("first prompt missing task body:\n%s", prompts[0])
	}
	if !strings.Contains(prompts[1], "T-2 document the widget") {
		t.Fatalf("second prompt missing task body:\n%s", prompts[1])
	}
	if len(seen) != 2 || seen[0].Remaining != 1 || seen[1].Remaining != 0 {
		t.Fatalf("unexpected progress: %+v", seen)
	}
	if seen[0].TaskID != "T-1" || seen[1].TaskID != "T-2" {
		t.Fatalf("unexpected task ids: %+v", seen)
	}

	rec, err := fx.store.Get("test")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.Status != state.StatusComplete || rec.Iteration != 2 || rec.RemainingTasks != 0 {
		t.Fatalf("record not finalized: %+v", rec)
	}
}

func TestRunFailsAfterMaxIterations(t *testing.T) {
	fx := newFixture(t, twoTaskDoc)
	runs := 0
	ag := &fakeAgent{run: func(context.Context, agent.Request) (agent.Result, error) {
		runs++
		return textResult("still thinking about it")
	}}

	ctrl, err := New(fx.store, ag, nil, fx.options(3))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != state.StatusFailed || result.Reason != ReasonMaxIterations {
		t.Fatalf("unexpected result: %+v", result)
	}
	if runs != 3 || result.Iterations != 3 {
		t.Fatalf("expected exactly 3 iterations, got runs=%d result=%+v", runs, result)
	}
	rec, _ := fx.store.Get("test")
	if rec.Status != state.StatusFailed || rec.Iteration != 3 {
		t.Fatalf("record not finalized: %+v", rec)
	}
	if rec.LastError != string(ReasonMaxIterations) {
		t.Fatalf("expected max_iterations reason, got %q", rec.LastError)
	}
}

func TestRunFailsOnAgentError(t *testing.T) {
	fx := newFixture(t, twoTaskDoc)
	boom := errors.New("agent exploded")
	runs := 0
	ag := &fakeAgent{run: func(context.Context, agent.Request) (agent.Result, error) {
		runs++
		return agent.Result{}, boom
	}}

	ctrl, err := New(fx.store, ag, nil, fx.options(5))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result, err := ctrl.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected agent error, got %v", err)
	}
	if result.Status != state.StatusFailed || result.Reason != ReasonError {
		t.Fatalf("unexpected result: %+v", result)
	}
	if runs != 1 {
		t.Fatalf("failed iteration was retried: %d runs", runs)
	}
	rec, _ := fx.store.Get("test")
	if rec.Status != state.StatusFailed || rec.LastError != "agent exploded" {
		t.Fatalf("record not finalized: %+v", rec)
	}
}

func TestRunFailsOnEmptyOutput(t *testing.T) {
	fx := newFixture(t, twoTaskDoc)
	ag := &fakeAgent{run: func(context.Context, agent.Request) (agent.Result, error) {
		return agent.Result{Raw: "  \n", Text: ""}, nil
	}}

	ctrl, err := New(fx.store, ag, nil, fx.options(5))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result, err := ctrl.Run(context.Background())
	if err == nil {
		t.Fatalf("expected error for empty output")
	}
	if result.Status != state.StatusFailed || result.Reason != ReasonError {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestRunNegatedMarkerDoesNotComplete(t *testing.T) {
	fx := newFixture(t, twoTaskDoc)
	ag := &fakeAgent{run: func(context.Context, agent.Request) (agent.Result, error) {
		fx.checkOff(t, "T-1")
		fx.checkOff(t, "T-2")
		return textResult("I cannot emit <promise>DONE</promise> yet")
	}}

	ctrl, err := New(fx.store, ag, nil, fx.options(2))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != state.StatusFailed || result.Reason != ReasonMaxIterations {
		t.Fatalf("negated marker declared completion: %+v", result)
	}
}

func TestRunFlatChecklistFallback(t *testing.T) {
	fx := newFixture(t, "- [ ] first chore\n- [ ] second chore\n")
	var prompts []string
	ag := &fakeAgent{run: func(_ context.Context, req agent.Request) (agent.Result, error) {
		prompts = append(prompts, req.Prompt)
		fx.checkOff(t, "first")
		fx.checkOff(t, "second")
		return textResult("<promise>DONE</promise>")
	}}

	ctrl, err := New(fx.store, ag, nil, fx.options(5))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != state.StatusComplete || result.Iterations != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if !strings.Contains(prompts[0], "first chore") {
		t.Fatalf("fallback prompt missing checklist line:\n%s", prompts[0])
	}
}

func TestRunObservesExternalStop(t *testing.T) {
	fx := newFixture(t, twoTaskDoc)
	ag := &fakeAgent{run: func(context.Context, agent.Request) (agent.Result, error) {
		// Another process stops the session mid-run.
		if _, err := fx.store.Set("test", func(r *state.Record) {
			r.Status = state.StatusStopped
		}); err != nil {
			return agent.Result{}, err
		}
		return textResult("partial progress")
	}}

	ctrl, err := New(fx.store, ag, nil, fx.options(5))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != state.StatusStopped || result.Reason != ReasonStopped {
		t.Fatalf("unexpected result: %+v", result)
	}
	rec, _ := fx.store.Get("test")
	if rec.Status != state.StatusStopped {
		t.Fatalf("record resurrected after stop: %+v", rec)
	}
}

func TestNewRejectsBadInputsBeforeFirstWrite(t *testing.T) {
	fx := newFixture(t, twoTaskDoc)
	ok := &fakeAgent{run: func(context.Context, agent.Request) (agent.Result, error) {
		return textResult("x")
	}}

	cases := map[string]struct {
		agent agent.Agent
		mut   func(*Options)
	}{
		"missing directory":    {ok, func(o *Options) { o.Directory = filepath.Join(fx.dir, "nope") }},
		"missing doc":          {ok, func(o *Options) { o.TaskDocument = "MISSING.md" }},
		"zero max iterations":  {ok, func(o *Options) { o.MaxIterations = 0 }},
		"empty session":        {ok, func(o *Options) { o.Session = "" }},
		"agent not installed":  {&fakeAgent{installErr: errors.New("no binary")}, func(*Options) {}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			opts := fx.options(5)
			tc.mut(&opts)
			if _, err := New(fx.store, tc.agent, nil, opts); err == nil {
				t.Fatalf("expected validation error")
			}
			if _, err := fx.store.Get("test"); !errors.Is(err, state.ErrNotFound) {
				t.Fatalf("validation failure wrote a record: %v", err)
			}
		})
	}
}

func TestRunWritesRecordAfterEveryIteration(t *testing.T) {
	fx := newFixture(t, twoTaskDoc)
	var iterations []int
	ag := &fakeAgent{run: func(context.Context, agent.Request) (agent.Result, error) {
		return textResult("still going")
	}}

	opts := fx.options(3)
	opts.OnProgress = func(p Progress) {
		rec, err := fx.store.Get("test")
		if err != nil {
			t.Errorf("get during progress: %v", err)
			return
		}
		iterations = append(iterations, rec.Iteration)
	}
	ctrl, err := New(fx.store, ag, nil, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := ctrl.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Progress fires once per iteration plus the terminal report; the
	// record visible at each point reflects the iteration just finished.
	if len(iterations) < 3 || iterations[0] != 1 || iterations[1] != 2 || iterations[2] != 3 {
		t.Fatalf("record did not advance monotonically: %v", iterations)
	}
}
