package agent

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// OpencodeCLI drives the opencode CLI in one-shot run mode.
type OpencodeCLI struct{}

// Name implements Agent.
func (o *OpencodeCLI) Name() string { return "opencode" }

// CheckInstalled implements Agent.
func (o *OpencodeCLI) CheckInstalled() error { return checkOnPath("opencode") }

// Run invokes opencode once and blocks until it exits. opencode prints
// the assistant's reply as plain text, so no envelope parsing is needed.
func (o *OpencodeCLI) Run(ctx context.Context, req Request) (Result, error) {
	args := []string{"run", req.Prompt}
	if strings.TrimSpace(req.Model) != "" {
		args = append(args, "--model", req.Model)
	}
	cmd := exec.CommandContext(ctx, "opencode", args...)
	cmd.Dir = req.Dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if trimmed := strings.TrimSpace(stderr.String()); trimmed != "" {
			return Result{}, fmt.Errorf("agent: opencode failed: %s: %w", trimmed, err)
		}
		return Result{}, fmt.Errorf("agent: opencode failed: %w", err)
	}
	raw := stdout.String()
	return Result{Raw: raw, Text: strings.TrimSpace(raw)}, nil
}
