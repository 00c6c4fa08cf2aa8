// Package git inspects an installation root that is deployed as a git
// working copy, so local modifications are not silently overwritten by an
// update.
package git

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Level represents the severity of a working copy status.
type Level string

const (
	LevelOK      Level = "ok"      // Not a working copy, or clean
	LevelWarning Level = "warning" // Local modifications
	LevelError   Level = "error"   // Git operation failed
)

// Status describes the working copy at Path.
type Status struct {
	Path      string   `json:"path" yaml:"path"`
	IsGitRepo bool     `json:"is_git_repo" yaml:"is_git_repo"`
	Branch    string   `json:"branch,omitempty" yaml:"branch,omitempty"`
	Commit    string   `json:"commit,omitempty" yaml:"commit,omitempty"`
	Modified  []string `json:"modified,omitempty" yaml:"modified,omitempty"`
	Level     Level    `json:"level" yaml:"level"`
	Message   string   `json:"message" yaml:"message"`
	Error     error    `json:"-" yaml:"-"`
}

// CommandRunner is an interface for running external commands.
// This allows for mocking in tests.
type CommandRunner interface {
	RunInDir(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// DefaultCommandRunner uses os/exec to run commands.
type DefaultCommandRunner struct{}

// RunInDir executes a command in the specified directory.
func (r *DefaultCommandRunner) RunInDir(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Checker checks git status for repositories.
type Checker struct {
	runner CommandRunner
}

// NewChecker creates a new Checker with the default command runner.
func NewChecker() *Checker {
	return &Checker{runner: &DefaultCommandRunner{}}
}

// NewCheckerWithRunner creates a Checker with a custom command runner (for testing).
func NewCheckerWithRunner(runner CommandRunner) *Checker {
	return &Checker{runner: runner}
}

// Check reports whether path is a working copy and which files differ from
// HEAD. A path outside git, or a host without git, is LevelOK.
func (c *Checker) Check(ctx context.Context, path string) Status {
	status := Status{Path: path, Level: LevelOK}

	if !c.isGitRepo(ctx, path) {
		status.Message = "not a git working copy"
		return status
	}
	status.IsGitRepo = true

	if out, err := c.runner.RunInDir(ctx, path, "git", "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		status.Branch = strings.TrimSpace(string(out))
	}
	if out, err := c.runner.RunInDir(ctx, path, "git", "rev-parse", "--short", "HEAD"); err == nil {
		status.Commit = strings.TrimSpace(string(out))
	}

	modified, err := c.modifiedFiles(ctx, path)
	if err != nil {
		status.Level = LevelError
		status.Error = err
		status.Message = fmt.Sprintf("failed to check working tree: %v", err)
		return status
	}
	status.Modified = modified

	if len(modified) > 0 {
		status.Level = LevelWarning
		status.Message = fmt.Sprintf("%d locally modified files", len(modified))
		return status
	}
	status.Message = "clean"
	return status
}

func (c *Checker) isGitRepo(ctx context.Context, path string) bool {
	output, err := c.runner.RunInDir(ctx, path, "git", "rev-parse", "--git-dir")
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(output)) != ""
}

// modifiedFiles lists paths from `git status --porcelain`, untracked files
// included.
func (c *Checker) modifiedFiles(ctx context.Context, path string) ([]string, error) {
	output, err := c.runner.RunInDir(ctx, path, "git", "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git status failed: %w", err)
	}

	var files []string
	for _, line := range strings.Split(string(output), "\n") {
		if len(line) < 4 {
			continue
		}
		name := line[3:]
		// renames are reported as "old -> new"
		if i := strings.Index(name, " -> "); i >= 0 {
			name = name[i+4:]
		}
		files = append(files, strings.Trim(name, `"`))
	}
	return files, nil
}
