package git

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

// MockCommandRunner mocks command execution for testing.
type MockCommandRunner struct {
	// Commands maps "dir:command args..." to output
	Commands map[string]struct {
		Output []byte
		Error  error
	}
}

// NewMockCommandRunner creates a new MockCommandRunner.
func NewMockCommandRunner() *MockCommandRunner {
	return &MockCommandRunner{
		Commands: make(map[string]struct {
			Output []byte
			Error  error
		}),
	}
}

// AddCommand adds a command response.
func (m *MockCommandRunner) AddCommand(dir, cmd string, output []byte, err error) {
	m.Commands[dir+":"+cmd] = struct {
		Output []byte
		Error  error
	}{Output: output, Error: err}
}

// RunInDir executes a command in a directory.
func (m *MockCommandRunner) RunInDir(_ context.Context, dir, name string, args ...string) ([]byte, error) {
	key := dir + ":" + name + " " + strings.Join(args, " ")
	if resp, ok := m.Commands[key]; ok {
		return resp.Output, resp.Error
	}
	return nil, errors.New("command not mocked: " + key)
}

const root = "/var/www/sparkyfit"

func repo(status string, statusErr error) *MockCommandRunner {
	m := NewMockCommandRunner()
	m.AddCommand(root, "git rev-parse --git-dir", []byte(".git\n"), nil)
	m.AddCommand(root, "git rev-parse --abbrev-ref HEAD", []byte("main\n"), nil)
	m.AddCommand(root, "git rev-parse --short HEAD", []byte("abc1234\n"), nil)
	m.AddCommand(root, "git status --porcelain", []byte(status), statusErr)
	return m
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name     string
		runner   *MockCommandRunner
		level    Level
		isRepo   bool
		modified []string
	}{
		{
			name:   "not a repository",
			runner: NewMockCommandRunner(),
			level:  LevelOK,
		},
		{
			name:   "clean",
			runner: repo("", nil),
			level:  LevelOK,
			isRepo: true,
		},
		{
			name:     "modified",
			runner:   repo(" M index.php\n?? public/custom.css\nR  old.php -> src/New.php\n", nil),
			level:    LevelWarning,
			isRepo:   true,
			modified: []string{"index.php", "public/custom.css", "src/New.php"},
		},
		{
			name:   "status fails",
			runner: repo("", errors.New("fatal: not a git repository")),
			level:  LevelError,
			isRepo: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewCheckerWithRunner(tt.runner).Check(context.Background(), root)
			if got.Level != tt.level {
				t.Errorf("Level = %s, want %s (%s)", got.Level, tt.level, got.Message)
			}
			if got.IsGitRepo != tt.isRepo {
				t.Errorf("IsGitRepo = %v, want %v", got.IsGitRepo, tt.isRepo)
			}
			if !reflect.DeepEqual(got.Modified, tt.modified) {
				t.Errorf("Modified = %v, want %v", got.Modified, tt.modified)
			}
		})
	}
}

func TestCheck_BranchAndCommit(t *testing.T) {
	got := NewCheckerWithRunner(repo("", nil)).Check(context.Background(), root)
	if got.Branch != "main" || got.Commit != "abc1234" {
		t.Errorf("Branch, Commit = %q, %q", got.Branch, got.Commit)
	}
}
