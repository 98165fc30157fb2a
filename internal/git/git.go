// Package git resolves the repositories sessions run against.
package git

import (
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// Client is the subset of git that conductor needs. Every method takes the
// path to operate in.
type Client interface {
	RepoRoot(path string) (string, error)
	CurrentBranch(path string) (string, error)
	IsDirty(path string) (bool, error)
}

// RealClient implements Client using the git binary.
type RealClient struct{}

// NewClient returns a new RealClient.
func NewClient() *RealClient {
	return &RealClient{}
}

func gitCmd(path string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", path}, args...)
	out, err := exec.Command("git", fullArgs...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *RealClient) RepoRoot(path string) (string, error) {
	return gitCmd(path, "rev-parse", "--show-toplevel")
}

func (c *RealClient) CurrentBranch(path string) (string, error) {
	return gitCmd(path, "rev-parse", "--abbrev-ref", "HEAD")
}

func (c *RealClient) IsDirty(path string) (bool, error) {
	out, err := gitCmd(path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// ResolveRepo returns the absolute top-level directory of the repository
// containing path. Paths outside a git repository resolve to themselves, so
// trackers that do not need git still work.
func ResolveRepo(c Client, path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	if c == nil {
		return abs, nil
	}
	root, err := c.RepoRoot(abs)
	if err != nil || root == "" {
		return abs, nil
	}
	return filepath.Clean(root), nil
}
