package notes

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// Syncer keeps the vault in step with wherever else it is edited. paths are
// vault-relative.
type Syncer interface {
	Pull(ctx context.Context) error
	Commit(ctx context.Context, message string, paths ...string) error
}

// GitConfig configures GitSync.
type GitConfig struct {
	// Remote is pulled from and pushed to. Defaults to "origin". A repository
	// without that remote is committed to locally only.
	Remote string
	// Commit records created notes. When false, Commit is a no-op.
	Commit bool
	// Push sends each commit to Remote.
	Push bool
	// AuthorName and AuthorEmail sign commits.
	AuthorName  string
	AuthorEmail string
	// Token authenticates https remotes.
	Token string
}

// GitSync is a Syncer for a vault that is a git working copy. Pulls are
// fast-forward only; a diverged vault keeps its local state and the error is
// returned.
type GitSync struct {
	cfg    GitConfig
	repo   *git.Repository
	prefix string
	now    func() time.Time

	mu sync.Mutex
}

var _ Syncer = (*GitSync)(nil)

// OpenGit opens the repository containing root, which may be a subdirectory
// of the working copy.
func OpenGit(root string, cfg GitConfig) (*GitSync, error) {
	if cfg.Remote == "" {
		cfg.Remote = git.DefaultRemoteName
	}
	repo, err := git.PlainOpenWithOptions(root, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open vault repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open vault worktree: %w", err)
	}
	prefix, err := relativeTo(wt.Filesystem.Root(), root)
	if err != nil {
		return nil, fmt.Errorf("open vault worktree: %w", err)
	}
	return &GitSync{cfg: cfg, repo: repo, prefix: prefix, now: time.Now}, nil
}

// Pull fast-forwards the working copy from the remote.
func (g *GitSync) Pull(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.hasRemote() {
		return nil
	}
	wt, err := g.repo.Worktree()
	if err != nil {
		return fmt.Errorf("git pull: %w", err)
	}
	err = wt.PullContext(ctx, &git.PullOptions{RemoteName: g.cfg.Remote, Auth: g.auth()})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) && !errors.Is(err, transport.ErrEmptyRemoteRepository) {
		return fmt.Errorf("git pull: %w", err)
	}
	return nil
}

// Commit stages paths, commits them and pushes when configured.
func (g *GitSync) Commit(ctx context.Context, message string, paths ...string) error {
	if !g.cfg.Commit || len(paths) == 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	wt, err := g.repo.Worktree()
	if err != nil {
		return fmt.Errorf("git commit: %w", err)
	}
	for _, p := range paths {
		if _, err := wt.Add(path.Join(g.prefix, filepath.ToSlash(p))); err != nil {
			return fmt.Errorf("git add %s: %w", p, err)
		}
	}
	_, err = wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: g.cfg.AuthorName, Email: g.cfg.AuthorEmail, When: g.now()},
	})
	if err != nil {
		return fmt.Errorf("git commit: %w", err)
	}

	if !g.cfg.Push || !g.hasRemote() {
		return nil
	}
	err = g.repo.PushContext(ctx, &git.PushOptions{RemoteName: g.cfg.Remote, Auth: g.auth()})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("git push: %w", err)
	}
	return nil
}

func (g *GitSync) hasRemote() bool {
	_, err := g.repo.Remote(g.cfg.Remote)
	return err == nil
}

func (g *GitSync) auth() transport.AuthMethod {
	if g.cfg.Token == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: "hisho", Password: g.cfg.Token}
}

// relativeTo returns dir relative to root in slash form, resolving symlinks
// on both sides first.
func relativeTo(root, dir string) (string, error) {
	r, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", err
	}
	d, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(r, d)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside %s", dir, root)
	}
	if rel == "." {
		return "", nil
	}
	return filepath.ToSlash(rel), nil
}
