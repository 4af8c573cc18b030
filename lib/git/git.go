// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package git provides typed access to the git CLI. Command Center
// uses it for one job: removing the linked worktree an agent session
// ran in when that session is killed. Every command targets a specific
// repository directory via -C, injected by the Repository methods the
// same way lib/tmux injects -S.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Repository is a git repository at a specific directory: a bare
// repository, a .git directory, or any working tree.
type Repository struct {
	dir string
}

// NewRepository returns a Repository targeting dir.
func NewRepository(dir string) *Repository {
	return &Repository{dir: dir}
}

// Dir returns the repository directory.
func (r *Repository) Dir() string {
	return r.dir
}

// Run executes a git command in this repository and returns stdout.
// Stderr is folded into the error on failure.
func (r *Repository) Run(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	command := r.Command(ctx, args...)
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("git %s in %s: %w (stderr: %s)",
			strings.Join(args, " "), r.dir, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Command returns an unstarted git command with -C prepended.
func (r *Repository) Command(ctx context.Context, args ...string) *exec.Cmd {
	fullArgs := append([]string{"-C", r.dir}, args...)
	return exec.CommandContext(ctx, "git", fullArgs...)
}

// CommonDir returns the absolute path of the directory shared by all
// of the repository's worktrees (the main .git directory, or the bare
// repository itself).
func (r *Repository) CommonDir(ctx context.Context) (string, error) {
	output, err := r.Run(ctx, "rev-parse", "--path-format=absolute", "--git-common-dir")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

// Worktrees returns the paths of every worktree attached to the
// repository, including the main one of a non-bare repository.
func (r *Repository) Worktrees(ctx context.Context) ([]string, error) {
	output, err := r.Run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var paths []string
	for line := range strings.SplitSeq(output, "\n") {
		if path, ok := strings.CutPrefix(line, "worktree "); ok {
			paths = append(paths, path)
		}
	}
	return paths, nil
}

// RemoveWorktree detaches and deletes the linked worktree at path.
// --force discards uncommitted changes: the agent that made them is
// gone.
func (r *Repository) RemoveWorktree(ctx context.Context, path string) error {
	_, err := r.Run(ctx, "worktree", "remove", "--force", path)
	return err
}

// WorktreeCleaner removes linked worktrees by path alone, discovering the
// owning repository from the worktree itself. The zero value is ready
// to use.
type WorktreeCleaner struct{}

// Remove deletes the linked worktree at path from its parent
// repository.
func (WorktreeCleaner) Remove(ctx context.Context, path string) error {
	owner, err := OwningRepository(ctx, path)
	if err != nil {
		return err
	}
	return owner.RemoveWorktree(ctx, path)
}

// OwningRepository returns the repository whose common directory holds
// the worktree at path.
func OwningRepository(ctx context.Context, path string) (*Repository, error) {
	commonDir, err := NewRepository(path).CommonDir(ctx)
	if err != nil {
		return nil, fmt.Errorf("finding repository of worktree %s: %w", path, err)
	}
	return NewRepository(commonDir), nil
}
