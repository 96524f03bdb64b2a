package gitstatus

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jmoyers/harness/internal/types"
)

// ShellSnapshotter reads a directory's git status by shelling out to the
// git binary, in the same idiom as internal/git/gitdir.go's
// exec.Command("git", "rev-parse", ...).
type ShellSnapshotter struct{}

func (ShellSnapshotter) ReadGitDirectorySnapshot(ctx context.Context, path string) (*DirectorySnapshot, error) {
	if !isGitWorkTree(ctx, path) {
		return nil, nil
	}

	branch, err := runGit(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("gitstatus: rev-parse HEAD: %w", err)
	}

	statusOut, err := runGit(ctx, path, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("gitstatus: status --porcelain: %w", err)
	}
	changed := 0
	if statusOut != "" {
		changed = len(strings.Split(statusOut, "\n"))
	}

	additions, deletions := readDiffStat(ctx, path)

	commitCountOut, _ := runGit(ctx, path, "rev-list", "--count", "HEAD")
	commitCount, _ := strconv.Atoi(commitCountOut)

	shortHash, _ := runGit(ctx, path, "rev-parse", "--short", "HEAD")

	remoteURL, _ := runGit(ctx, path, "config", "--get", "remote.origin.url")
	defaultBranch, _ := runGit(ctx, path, "symbolic-ref", "refs/remotes/origin/HEAD")
	defaultBranch = strings.TrimPrefix(defaultBranch, "refs/remotes/origin/")

	var lastCommitAt *time.Time
	if tsOut, err := runGit(ctx, path, "log", "-1", "--format=%ct"); err == nil && tsOut != "" {
		if secs, err := strconv.ParseInt(tsOut, 10, 64); err == nil {
			t := time.Unix(secs, 0).UTC()
			lastCommitAt = &t
		}
	}

	return &DirectorySnapshot{
		Summary: types.GitSummary{
			Branch:       branch,
			ChangedFiles: changed,
			Additions:    additions,
			Deletions:    deletions,
		},
		Repository: types.RepositoryProbe{
			NormalizedRemoteURL: normalizeRemoteURL(remoteURL),
			CommitCount:         commitCount,
			LastCommitAt:        lastCommitAt,
			ShortCommitHash:     shortHash,
			InferredName:        filepath.Base(strings.TrimSuffix(path, "/")),
			DefaultBranch:       defaultBranch,
		},
	}, nil
}

func isGitWorkTree(ctx context.Context, path string) bool {
	out, err := runGit(ctx, path, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

func readDiffStat(ctx context.Context, path string) (additions, deletions int) {
	out, err := runGit(ctx, path, "diff", "--shortstat", "HEAD")
	if err != nil || out == "" {
		return 0, 0
	}
	fields := strings.Split(out, ",")
	for _, f := range fields {
		f = strings.TrimSpace(f)
		switch {
		case strings.Contains(f, "insertion"):
			fmt.Sscanf(f, "%d", &additions)
		case strings.Contains(f, "deletion"):
			fmt.Sscanf(f, "%d", &deletions)
		}
	}
	return additions, deletions
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return strings.TrimSpace(stdout.String()), nil
}

func normalizeRemoteURL(raw string) string {
	raw = strings.TrimSuffix(raw, ".git")
	raw = strings.TrimPrefix(raw, "git@")
	raw = strings.Replace(raw, ":", "/", 1)
	raw = strings.TrimPrefix(raw, "https://")
	raw = strings.TrimPrefix(raw, "http://")
	return raw
}
