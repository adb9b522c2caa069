package history

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

const (
	DefaultCommitLimit = 10
	MaxCommitLimit     = 50

	// Same layout as git's %ai.
	commitDateLayout = "2006-01-02 15:04:05 -0700"
)

type Commit struct {
	Hash      string `json:"hash"`
	ShortHash string `json:"short_hash"`
	Author    string `json:"author"`
	Email     string `json:"email"`
	Date      string `json:"date"`
	Message   string `json:"message"`
}

func subject(msg string) string {
	msg = strings.TrimSpace(msg)
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return strings.TrimSpace(msg)
}

// GitCommits lists the most recent non-merge commits reachable from HEAD of
// the repository containing repoPath. A path outside any repository, or a
// repository with no commits, yields an empty list.
func GitCommits(repoPath string, limit int) ([]Commit, error) {
	switch {
	case limit <= 0:
		limit = DefaultCommitLimit
	case limit > MaxCommitLimit:
		limit = MaxCommitLimit
	}
	if repoPath == "" {
		repoPath = "."
	}

	commits := []Commit{}

	repo, err := git.PlainOpenWithOptions(repoPath, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return commits, nil
		}
		return nil, fmt.Errorf("open repository %s: %w", repoPath, err)
	}

	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return commits, nil
		}
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("git log: %w", err)
	}
	defer iter.Close()

	err = iter.ForEach(func(c *object.Commit) error {
		if c.NumParents() > 1 {
			return nil
		}
		hash := c.Hash.String()
		commits = append(commits, Commit{
			Hash:      hash,
			ShortHash: hash[:7],
			Author:    c.Author.Name,
			Email:     c.Author.Email,
			Date:      c.Author.When.Format(commitDateLayout),
			Message:   subject(c.Message),
		})
		if len(commits) >= limit {
			return storer.ErrStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, storer.ErrStop) {
		return nil, fmt.Errorf("walk commits: %w", err)
	}
	return commits, nil
}

// GitStatus returns the working tree status of the repository containing
// repoPath in git's short format, one "XY path" line per changed file,
// sorted by path. A clean tree, a bare repository or a path outside any
// repository yields "".
func GitStatus(repoPath string) (string, error) {
	if repoPath == "" {
		repoPath = "."
	}

	repo, err := git.PlainOpenWithOptions(repoPath, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return "", nil
		}
		return "", fmt.Errorf("open repository %s: %w", repoPath, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		if errors.Is(err, git.ErrIsBareRepository) {
			return "", nil
		}
		return "", fmt.Errorf("worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("git status: %w", err)
	}

	paths := make([]string, 0, len(status))
	for path, fs := range status {
		if fs.Staging == git.Unmodified && fs.Worktree == git.Unmodified {
			continue
		}
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var sb strings.Builder
	for _, path := range paths {
		fs := status[path]
		fmt.Fprintf(&sb, "%c%c %s\n", fs.Staging, fs.Worktree, path)
	}
	return sb.String(), nil
}
