// internal/agent/agent.go
//
// This package wraps the external coding-agent CLIs churn can drive.
// Each agent takes a prompt, works inside the project directory, and
// prints its final answer on stdout when it is done.

package agent

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Request carries one prompt to an agent invocation.
type Request struct {
	Prompt string
	Model  string
	Dir    string
}

// Result holds the agent's output. Raw is the untouched stdout; Text is
// the assistant's final message with any CLI framing stripped.
type Result struct {
	Raw  string
	Text string
}

// Agent runs one blocking invocation of an external coding agent.
type Agent interface {
	Name() string
	CheckInstalled() error
	Run(ctx context.Context, req Request) (Result, error)
}

// New returns the agent implementation for the given CLI name.
func New(name string) (Agent, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "claude":
		return &ClaudeCLI{}, nil
	case "opencode":
		return &OpencodeCLI{}, nil
	default:
		return nil, fmt.Errorf("agent: unknown agent %q (supported: claude, opencode)", name)
	}
}

func checkOnPath(binary string) error {
	if _, err := exec.LookPath(binary); err != nil {
		return fmt.Errorf("agent: %s is not installed or not on PATH: %w", binary, err)
	}
	return nil
}
