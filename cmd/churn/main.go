// cmd/churn/main.go
//
// This is the entry point for the churn CLI.
//
// Flow for `churn start`:
// 1. Load config, open the session store, validate the task document
// 2. Foreground: run the iteration loop right here
// 3. Detached: re-run ourselves inside a new tmux session and return
//
// Every other subcommand is a thin client of the same store.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/churnlabs/churn/internal/agent"
	"github.com/churnlabs/churn/internal/completion"
	"github.com/churnlabs/churn/internal/config"
	"github.com/churnlabs/churn/internal/logging"
	"github.com/churnlabs/churn/internal/loop"
	"github.com/churnlabs/churn/internal/monitor"
	"github.com/churnlabs/churn/internal/notify"
	"github.com/churnlabs/churn/internal/state"
	"github.com/churnlabs/churn/internal/supervisor"
	"github.com/churnlabs/churn/internal/taskdoc"
	"github.com/churnlabs/churn/internal/tui"
)

const version = "0.3.0"

const usageText = `churn drives a coding agent against a task document until it is done.

Usage:
  churn <command> [flags]

Commands:
  start      run the iteration loop for the current directory
  status     show one session (defaults to the current directory's)
  list       list all sessions
  stop       stop a running session
  clean      mark or remove sessions whose process died
  validate   check the task document for structural problems
  serve      run the HTTP monitor server
  dash       open the live session dashboard
  version    print the version

Run "churn <command> -h" for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "start":
		err = runStart(args)
	case "status":
		err = runStatus(args)
	case "list":
		err = runList(args)
	case "stop":
		err = runStop(args)
	case "clean":
		err = runClean(args)
	case "validate":
		err = runValidate(args)
	case "serve":
		err = runServe(args)
	case "dash":
		err = runDash(args)
	case "version":
		fmt.Printf("churn %s\n", version)
	case "-h", "--help", "help":
		fmt.Print(usageText)
	default:
		fmt.Fprintf(os.Stderr, "churn: unknown command %q\n\n%s", cmd, usageText)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "churn: %v\n", err)
		os.Exit(1)
	}
}

// setup loads config, prepares the state directory layout, and opens the
// store. Every subcommand goes through here.
func setup() (*config.Config, *state.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := config.Init(cfg.StateDir); err != nil {
		return nil, nil, err
	}
	store, err := state.Open(cfg.StateDir, state.WithLockTimeout(cfg.LockTimeout))
	if err != nil {
		return nil, nil, err
	}
	if healed, err := store.Init(); err != nil {
		return nil, nil, err
	} else if healed {
		fmt.Fprintln(os.Stderr, "churn: session store was corrupt and has been reset")
	}
	return cfg, store, nil
}

func defaultSessionName() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Base(cwd), nil
}

func runStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	name := fs.String("name", "", "session name (default: current directory name)")
	doc := fs.String("doc", "", "task document file name (default from config)")
	maxIter := fs.Int("max", 0, "maximum agent iterations (default from config)")
	model := fs.String("model", "", "model passed to the agent (default from config)")
	marker := fs.String("marker", completion.DefaultMarker, "completion marker token")
	agentName := fs.String("agent", "", "agent CLI to drive (default from config)")
	detach := fs.Bool("detach", false, "run inside a detached tmux session")
	tmuxName := fs.String("tmux", "", "tmux session hosting this run (set by -detach)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, store, err := setup()
	if err != nil {
		return err
	}
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	if *name == "" {
		if *name, err = defaultSessionName(); err != nil {
			return err
		}
	}
	if *doc == "" {
		*doc = cfg.Settings.TaskDocument
	}
	if *maxIter == 0 {
		*maxIter = cfg.Settings.MaxIterations
	}
	if *model == "" {
		*model = cfg.Settings.Model
	}
	if *agentName == "" {
		*agentName = cfg.Settings.Agent
	}

	if rec, err := store.Get(*name); err == nil && rec.Status == state.StatusRunning {
		return fmt.Errorf("session %q is already running (pid %d); stop it first", *name, rec.AgentPID)
	}

	if *detach {
		return startDetached(*name, cwd, *doc, *maxIter, *model, *marker, *agentName)
	}

	ag, err := agent.New(*agentName)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogsDir(), *name)
	if err != nil {
		return err
	}
	defer logger.Close()

	notifier := notify.New(cfg.Settings.WebhookURL, logger)

	ctrl, err := loop.New(store, ag, logger, loop.Options{
		Session:       *name,
		Directory:     cwd,
		TaskDocument:  *doc,
		MaxIterations: *maxIter,
		Marker:        *marker,
		Model:         *model,
		TmuxSession:   *tmuxName,
		RawDir:        cfg.RawDir(),
		OnProgress: func(p loop.Progress) {
			fmt.Printf("iteration %d: %s, %d task(s) remaining\n", p.Iteration, p.Status, p.Remaining)
		},
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Printf("starting session %q against %s (max %d iterations)\n", *name, *doc, *maxIter)
	result, err := ctrl.Run(ctx)
	if rec, getErr := store.Get(*name); getErr == nil {
		notifier.Send(context.Background(), notify.FromRecord(rec, string(result.Reason)))
	}
	if err != nil {
		return err
	}
	switch result.Status {
	case state.StatusComplete:
		fmt.Printf("session %q complete after %d iteration(s)\n", *name, result.Iterations)
	case state.StatusStopped:
		fmt.Printf("session %q stopped\n", *name)
	default:
		fmt.Printf("session %q ended: %s (%s) after %d iteration(s)\n", *name, result.Status, result.Reason, result.Iterations)
	}
	return nil
}

// startDetached re-runs this binary inside a fresh tmux session. The
// inner invocation carries -tmux so the record points back at its host.
func startDetached(name, dir, doc string, maxIter int, model, marker, agentName string) error {
	if !supervisor.Available() {
		return fmt.Errorf("tmux is required for -detach but is not installed")
	}
	executable, err := os.Executable()
	if err != nil {
		return err
	}
	executable, err = filepath.Abs(executable)
	if err != nil {
		return err
	}
	tmuxSession := supervisor.SessionName(name)
	if supervisor.Exists(tmuxSession) {
		return fmt.Errorf("tmux session %q already exists", tmuxSession)
	}
	command := []string{
		executable, "start",
		"-name", name,
		"-doc", doc,
		"-max", fmt.Sprintf("%d", maxIter),
		"-marker", marker,
		"-agent", agentName,
		"-tmux", tmuxSession,
	}
	if model != "" {
		command = append(command, "-model", model)
	}
	if err := supervisor.StartDetached(tmuxSession, dir, command...); err != nil {
		return err
	}
	fmt.Printf("session %q started in tmux session %q\n", name, tmuxSession)
	fmt.Printf("follow along with: tmux attach -t %s\n", tmuxSession)
	return nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	_, store, err := setup()
	if err != nil {
		return err
	}
	name := fs.Arg(0)
	if name == "" {
		if name, err = defaultSessionName(); err != nil {
			return err
		}
	}
	rec, err := store.Get(name)
	if err != nil {
		return err
	}
	printRecord(rec)
	return nil
}

func printRecord(rec state.Record) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "session:\t%s\n", rec.Name)
	fmt.Fprintf(w, "status:\t%s\n", rec.Status)
	fmt.Fprintf(w, "directory:\t%s\n", rec.Directory)
	fmt.Fprintf(w, "document:\t%s\n", rec.TaskDocument)
	fmt.Fprintf(w, "iteration:\t%d/%d\n", rec.Iteration, rec.MaxIterations)
	fmt.Fprintf(w, "remaining:\t%d\n", rec.RemainingTasks)
	if !rec.StartedAt.IsZero() {
		fmt.Fprintf(w, "started:\t%s\n", rec.StartedAt.Local().Format(time.RFC1123))
	}
	if rec.TmuxSession != "" {
		fmt.Fprintf(w, "tmux:\t%s\n", rec.TmuxSession)
	}
	if rec.LastTaskID != "" {
		fmt.Fprintf(w, "last task:\t%s\n", rec.LastTaskID)
	}
	if rec.LastError != "" {
		fmt.Fprintf(w, "last error:\t%s\n", rec.LastError)
	}
	if rec.LogFile != "" {
		fmt.Fprintf(w, "log:\t%s\n", rec.LogFile)
	}
	w.Flush()
}

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	_, store, err := setup()
	if err != nil {
		return err
	}
	records, err := store.List()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTATUS\tITERATION\tREMAINING\tDIRECTORY")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%d\t%s\n",
			rec.Name, rec.Status, rec.Iteration, rec.MaxIterations, rec.RemainingTasks, rec.Directory)
	}
	return w.Flush()
}

func runStop(args []string) error {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	_, store, err := setup()
	if err != nil {
		return err
	}
	name := fs.Arg(0)
	if name == "" {
		if name, err = defaultSessionName(); err != nil {
			return err
		}
	}
	rec, err := supervisor.Stop(store, name)
	if err != nil {
		return err
	}
	fmt.Printf("session %q stopped (was at iteration %d/%d)\n", rec.Name, rec.Iteration, rec.MaxIterations)
	return nil
}

func runClean(args []string) error {
	fs := flag.NewFlagSet("clean", flag.ExitOnError)
	remove := fs.Bool("remove", false, "delete stale records instead of marking them")
	if err := fs.Parse(args); err != nil {
		return err
	}
	_, store, err := setup()
	if err != nil {
		return err
	}
	mode := state.CleanupMark
	if *remove {
		mode = state.CleanupRemove
	}
	result, err := store.Cleanup(mode)
	if err != nil {
		return err
	}
	for _, name := range result.Marked {
		fmt.Printf("marked %q stale\n", name)
	}
	for _, name := range result.Removed {
		fmt.Printf("removed %q\n", name)
	}
	for _, name := range result.Skipped {
		fmt.Printf("skipped %q (no usable pid or unreadable record)\n", name)
	}
	if len(result.Marked)+len(result.Removed) == 0 {
		fmt.Println("nothing to clean")
	}
	return nil
}

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	doc := fs.String("doc", "", "task document file name (default from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *doc == "" {
		*doc = cfg.Settings.TaskDocument
	}
	data, err := os.ReadFile(*doc)
	if err != nil {
		return err
	}
	text := string(data)
	report := taskdoc.Validate(text)
	remaining := taskdoc.RemainingCount(text)

	if report.NoBlocks {
		fmt.Printf("%s: no task blocks found, flat-checklist fallback applies\n", *doc)
	}
	fmt.Printf("%s: %d task(s) remaining\n", *doc, remaining)
	if report.Clean() {
		fmt.Println("no structural problems")
		return nil
	}
	for _, problem := range report.Problems() {
		fmt.Printf("  %s\n", problem)
	}
	return fmt.Errorf("%d problem(s) found", len(report.Problems()))
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, store, err := setup()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogsDir(), "monitor")
	if err != nil {
		return err
	}
	defer logger.Close()

	srv := monitor.NewServer(monitor.SettingsFromConfig(cfg), store, monitor.WithLogger(logger))
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("monitor listening on %s\n", srv.BaseURL())
	<-ctx.Done()
	fmt.Println("shutting down")
	return srv.Shutdown(context.Background())
}

func runDash(args []string) error {
	fs := flag.NewFlagSet("dash", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	_, store, err := setup()
	if err != nil {
		return err
	}
	p := tea.NewProgram(
		tui.NewDash(store, supervisor.Stop),
		tea.WithAltScreen(),
	)
	_, err = p.Run()
	return err
}
