// Package workspace manages a deduplicated pool of base repository clones
// and the per-run git worktrees derived from them. Base repos are only ever
// used as object-store sources: commits are fetched into them but never
// checked out there, so concurrent worktrees can't race on a shared HEAD.
package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	cp "github.com/otiai10/copy"
	"github.com/sirupsen/logrus"
)

// BaseRepoHandle identifies one deduplicated clone in the pool. Handles are
// cheap and shareable; the clone itself is created at most once per source
// URL and never deleted automatically.
type BaseRepoHandle struct {
	ID        string
	SourceURL string
	Path      string
}

// Lease binds one git worktree to one run. The worktree shares the base
// repo's object store but has its own HEAD.
type Lease struct {
	RepoID string
	Path   string
	Branch string
	Commit string
}

type Store struct {
	dir          string
	log          *logrus.Entry
	lockAttempts int
	lockBackoff  time.Duration
}

func NewStore(dir string, log *logrus.Logger) *Store {
	return &Store{
		dir:          dir,
		log:          log.WithField("prefix", "workspace"),
		lockAttempts: 8,
		lockBackoff:  250 * time.Millisecond,
	}
}

// RepoID derives the deterministic pool id for a source URL.
func RepoID(sourceURL string) string {
	sum := sha256.Sum256([]byte(sourceURL))
	return hex.EncodeToString(sum[:])[:12]
}

// AcquireBaseRepo returns a handle to the pool clone for sourceURL, cloning
// it first if no valid clone exists. Acquisition serializes on an exclusive
// advisory file lock scoped to the repo id, so N concurrent callers produce
// exactly one clone. The clone keeps full history: a base repo must support
// checking out arbitrary future commits.
func (s *Store) AcquireBaseRepo(ctx context.Context, sourceURL string) (*BaseRepoHandle, error) {
	id := RepoID(sourceURL)
	handle := &BaseRepoHandle{
		ID:        id,
		SourceURL: sourceURL,
		Path:      filepath.Join(s.dir, id),
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, &Error{Op: "acquire", RepoID: id, Err: err}
	}

	lock := newFileLock(filepath.Join(s.dir, id+".lock"))
	if err := lock.lockWithRetry(ctx, s.lockAttempts, s.lockBackoff); err != nil {
		return nil, &Error{Op: "lock", RepoID: id, Err: err}
	}
	defer func() { _ = lock.unlock() }()

	if s.hasValidClone(handle.Path) {
		return handle, nil
	}

	// A half-finished clone from a crashed process has no valid marker;
	// clear it before retrying.
	if err := os.RemoveAll(handle.Path); err != nil {
		return nil, &Error{Op: "acquire", RepoID: id, Err: err}
	}

	s.log.WithField("repo", id).Infof("cloning %s", sourceURL)
	out, err := s.git(ctx, "", "clone", sourceURL, handle.Path)
	if err != nil {
		// Clones get interrupted by network flakiness; one retry.
		s.log.WithField("repo", id).Warnf("clone failed, retrying: %v", err)
		_ = os.RemoveAll(handle.Path)
		if out, err = s.git(ctx, "", "clone", sourceURL, handle.Path); err != nil {
			return nil, &Error{Op: "clone", RepoID: id, Output: string(out), Err: err}
		}
	}
	return handle, nil
}

func (s *Store) hasValidClone(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil && info.IsDir()
}

// EnsureCommit fetches commitSHA into the base repo's object store if it is
// not already present. The base repo's working tree is untouched: checkout
// happens only inside worktrees.
func (s *Store) EnsureCommit(ctx context.Context, handle *BaseRepoHandle, commitSHA string) error {
	if _, err := s.git(ctx, handle.Path, "cat-file", "-e", commitSHA+"^{commit}"); err == nil {
		return nil
	}
	if _, err := s.git(ctx, handle.Path, "fetch", "origin", commitSHA); err != nil {
		// Servers without allow-any-sha1-in-want refuse direct sha fetches;
		// fall back to fetching everything.
		s.log.WithField("repo", handle.ID).Debugf("sha fetch refused, fetching all refs: %v", err)
		if out, err := s.git(ctx, handle.Path, "fetch", "origin"); err != nil {
			return &Error{Op: "fetch", RepoID: handle.ID, Output: string(out), Err: err}
		}
	}
	if out, err := s.git(ctx, handle.Path, "cat-file", "-e", commitSHA+"^{commit}"); err != nil {
		return &Error{Op: "fetch", RepoID: handle.ID, Output: string(out),
			Err: fmt.Errorf("commit %s not found at origin", commitSHA)}
	}
	return nil
}

// NewWorktree creates a worktree at dest with a fresh branch. It takes no
// commit argument on purpose: `git worktree add <dest> <commit>` fails with
// "reference is not a tree" when the base repo's current branch tip has no
// path to the commit. Checkout is the separate, subsequent step.
func (s *Store) NewWorktree(ctx context.Context, handle *BaseRepoHandle, branch, dest string) (string, error) {
	out, err := s.git(ctx, handle.Path, "worktree", "add", "-b", branch, dest)
	if err != nil {
		return "", &Error{Op: "worktree add", RepoID: handle.ID, Output: string(out), Err: err}
	}
	return dest, nil
}

// Checkout moves the already-created worktree to commitSHA. The worktree's
// fresh branch is reset onto the commit so the branch name stays meaningful
// when a failed run's workspace is kept for debugging.
func (s *Store) Checkout(ctx context.Context, worktreePath, commitSHA string) error {
	out, err := s.git(ctx, worktreePath, "reset", "--hard", commitSHA)
	if err != nil {
		return &Error{Op: "checkout", RepoID: filepath.Base(worktreePath), Output: string(out), Err: err}
	}
	return nil
}

// SeedConfig copies a tier's configuration template tree into the worktree.
// A run-specific setup step before the agent ever sees the workspace.
func (s *Store) SeedConfig(worktreePath, templateDir string) error {
	if templateDir == "" {
		return nil
	}
	if err := cp.Copy(templateDir, worktreePath); err != nil {
		return fmt.Errorf("seeding config from %s: %w", templateDir, err)
	}
	return nil
}

// Release removes the worktree directory and its administrative entry in
// the base repo. When keep is set (a failed run whose workspace aids
// debugging) the worktree is left in place.
func (s *Store) Release(ctx context.Context, handle *BaseRepoHandle, worktreePath string, keep bool) error {
	if keep {
		s.log.WithField("repo", handle.ID).Infof("keeping workspace %s for debugging", worktreePath)
		return nil
	}
	if out, err := s.git(ctx, handle.Path, "worktree", "remove", "--force", worktreePath); err != nil {
		// The directory may already be gone; prune the stale entry.
		_ = os.RemoveAll(worktreePath)
		if out2, err2 := s.git(ctx, handle.Path, "worktree", "prune"); err2 != nil {
			return &Error{Op: "worktree remove", RepoID: handle.ID, Output: string(out) + string(out2), Err: err}
		}
	}
	return nil
}

// CaptureDiff stages everything in the worktree (including untracked files)
// and returns the cached diff against the checked-out commit.
func (s *Store) CaptureDiff(ctx context.Context, worktreePath string) ([]byte, error) {
	if out, err := s.git(ctx, worktreePath, "add", "-A"); err != nil {
		return nil, &Error{Op: "diff", RepoID: filepath.Base(worktreePath), Output: string(out), Err: err}
	}
	cmd := exec.CommandContext(ctx, "git", "diff", "--cached")
	cmd.Dir = worktreePath
	out, err := cmd.Output()
	if err != nil {
		return nil, &Error{Op: "diff", RepoID: filepath.Base(worktreePath), Err: err}
	}
	return out, nil
}

func (s *Store) git(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("git %s: %w", args[0], err)
	}
	return out, nil
}
