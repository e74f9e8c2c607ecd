package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// ClaudeCLI drives the claude CLI in non-interactive print mode.
type ClaudeCLI struct{}

// Name implements Agent.
func (c *ClaudeCLI) Name() string { return "claude" }

// CheckInstalled implements Agent.
func (c *ClaudeCLI) CheckInstalled() error { return checkOnPath("claude") }

// Run invokes claude once and blocks until it exits. The CLI emits a
// JSON envelope on stdout; the assistant's message lives in its
// "result" field.
func (c *ClaudeCLI) Run(ctx context.Context, req Request) (Result, error) {
	args := []string{"-p", req.Prompt, "--output-format", "json", "--dangerously-skip-permissions"}
	if strings.TrimSpace(req.Model) != "" {
		args = append(args, "--model", req.Model)
	}
	cmd := exec.CommandContext(ctx, "claude", args...)
	cmd.Dir = req.Dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if trimmed := strings.TrimSpace(stderr.String()); trimmed != "" {
			return Result{}, fmt.Errorf("agent: claude failed: %s: %w", trimmed, err)
		}
		return Result{}, fmt.Errorf("agent: claude failed: %w", err)
	}
	return parseClaudeResult(stdout.String()), nil
}

// parseClaudeResult extracts the assistant text from the CLI's JSON
// envelope. Unparseable output is passed through untouched so a CLI
// that was asked for plain text still works.
func parseClaudeResult(raw string) Result {
	var envelope struct {
		Result string `json:"result"`
	}
	trimmed := strings.TrimSpace(raw)
	if err := json.Unmarshal([]byte(trimmed), &envelope); err == nil && envelope.Result != "" {
		return Result{Raw: raw, Text: envelope.Result}
	}
	return Result{Raw: raw, Text: trimmed}
}
