// Package gitrepo wraps the handful of go-git operations the engine needs:
// working tree status for the pre-commit scan, the commit itself and the
// repository snapshot recorded in evidence.
package gitrepo

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

var (
	// ErrNotRepository indicates the path is not inside a git work tree.
	ErrNotRepository = errors.New("not a git repository")

	// ErrNothingToCommit indicates a clean work tree.
	ErrNothingToCommit = errors.New("nothing to commit")
)

// MaxSnapshotChanges bounds Snapshot.Changed.
const MaxSnapshotChanges = 20

// Change is one path that differs from HEAD.
type Change struct {
	Path   string `json:"path"`
	Status string `json:"status"`
}

// Deleted reports whether the path no longer exists in the work tree.
func (c Change) Deleted() bool { return c.Status == "deleted" }

// Snapshot describes the repository at one moment.
type Snapshot struct {
	Branch       string    `json:"branch"`
	Head         string    `json:"head,omitempty"`
	HeadMessage  string    `json:"head_message,omitempty"`
	HeadAuthor   string    `json:"head_author,omitempty"`
	HeadTime     time.Time `json:"head_time,omitempty"`
	Clean        bool      `json:"clean"`
	Changed      []Change  `json:"changed_files"`
	ChangedTotal int       `json:"changed_total"`
}

// Signature identifies a commit author.
type Signature struct {
	Name  string
	Email string
}

// Repo is an opened repository.
type Repo struct {
	repo *git.Repository
	root string
}

// Open opens the repository containing path.
func Open(path string) (*Repo, error) {
	r, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%w: %s", ErrNotRepository, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	return wrap(r)
}

// Init creates a repository at path.
func Init(path string) (*Repo, error) {
	r, err := git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("failed to init repository: %w", err)
	}
	return wrap(r)
}

func wrap(r *git.Repository) (*Repo, error) {
	wt, err := r.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to open worktree: %w", err)
	}
	return &Repo{repo: r, root: wt.Filesystem.Root()}, nil
}

// Root is the work tree root.
func (r *Repo) Root() string { return r.root }

// Changes lists paths that differ from HEAD, sorted.
func (r *Repo) Changes() ([]Change, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to open worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to read status: %w", err)
	}
	out := make([]Change, 0, len(status))
	for path, fs := range status {
		code := fs.Staging
		if code == git.Unmodified || code == git.Untracked {
			code = fs.Worktree
		}
		if code == git.Unmodified {
			continue
		}
		out = append(out, Change{Path: path, Status: statusName(code)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Commit stages every change and commits it. It returns the new hash.
func (r *Repo) Commit(message string, author Signature) (string, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to open worktree: %w", err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("failed to stage changes: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("failed to read status: %w", err)
	}
	if status.IsClean() {
		return "", ErrNothingToCommit
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: author.Name, Email: author.Email, When: time.Now()},
	})
	if err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return hash.String(), nil
}

// Snapshot records branch, HEAD and work tree state.
func (r *Repo) Snapshot() (Snapshot, error) {
	var snap Snapshot

	head, err := r.repo.Head()
	switch {
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		// No commits yet; HEAD still names the unborn branch.
		if ref, err := r.repo.Reference(plumbing.HEAD, false); err == nil {
			snap.Branch = ref.Target().Short()
		}
	case err != nil:
		return Snapshot{}, fmt.Errorf("failed to resolve HEAD: %w", err)
	default:
		if head.Name().IsBranch() {
			snap.Branch = head.Name().Short()
		} else {
			snap.Branch = "detached"
		}
		snap.Head = head.Hash().String()
		if c, err := r.repo.CommitObject(head.Hash()); err == nil {
			snap.HeadMessage = c.Message
			snap.HeadAuthor = c.Author.Name
			snap.HeadTime = c.Author.When.UTC()
		}
	}

	changes, err := r.Changes()
	if err != nil {
		return Snapshot{}, err
	}
	snap.ChangedTotal = len(changes)
	snap.Clean = len(changes) == 0
	if len(changes) > MaxSnapshotChanges {
		changes = changes[:MaxSnapshotChanges]
	}
	snap.Changed = changes
	return snap, nil
}

func statusName(c git.StatusCode) string {
	switch c {
	case git.Untracked:
		return "untracked"
	case git.Modified:
		return "modified"
	case git.Added:
		return "added"
	case git.Deleted:
		return "deleted"
	case git.Renamed:
		return "renamed"
	case git.Copied:
		return "copied"
	case git.UpdatedButUnmerged:
		return "unmerged"
	default:
		return string(rune(c))
	}
}
