package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
)

// DefaultGitTimeout bounds one clone or pull when GitOptions.Timeout is
// zero.
const DefaultGitTimeout = 30 * time.Second

// GitOptions configures a Repository.
type GitOptions struct {
	// URL is the clone URL or a local repository path.
	URL string

	// Branch is the tracked branch.
	Branch string

	// LocalPath is where the repository is cloned.
	LocalPath string

	// Token, when set, authenticates HTTPS remotes.
	Token string

	Timeout time.Duration
	Logger  *slog.Logger
}

// SyncResult reports what a Sync changed.
type SyncResult struct {
	FromSHA string
	ToSHA   string
	Cloned  bool
}

// Changed reports whether the checkout moved.
func (r SyncResult) Changed() bool {
	return r.Cloned || r.FromSHA != r.ToSHA
}

// Repository keeps a local checkout of a published config repository.
type Repository struct {
	opts   GitOptions
	logger *slog.Logger

	mu   sync.Mutex
	repo *gogit.Repository
}

// NewRepository creates a Repository. Nothing is fetched until Sync.
func NewRepository(opts GitOptions) (*Repository, error) {
	if opts.URL == "" {
		return nil, errors.New("repository URL cannot be empty")
	}
	if opts.Branch == "" {
		return nil, errors.New("branch cannot be empty")
	}
	if opts.LocalPath == "" {
		return nil, errors.New("local path cannot be empty")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultGitTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Repository{
		opts:   opts,
		logger: opts.Logger.With("component", "source.git", "branch", opts.Branch),
	}, nil
}

// LocalPath returns the checkout directory.
func (r *Repository) LocalPath() string {
	return r.opts.LocalPath
}

// Sync clones the repository on first use, or opens an existing checkout,
// and pulls the tracked branch.
func (r *Repository) Sync(ctx context.Context) (SyncResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	if r.repo == nil {
		cloned, err := r.openOrClone(ctx)
		if err != nil {
			return SyncResult{}, err
		}
		if cloned {
			head, err := r.head()
			if err != nil {
				return SyncResult{}, err
			}
			r.logger.Info("config repository cloned", "sha", head)
			return SyncResult{ToSHA: head, Cloned: true}, nil
		}
	}

	from, err := r.head()
	if err != nil {
		return SyncResult{}, err
	}

	wt, err := r.repo.Worktree()
	if err != nil {
		return SyncResult{}, fmt.Errorf("failed to get worktree: %w", err)
	}
	err = wt.PullContext(ctx, &gogit.PullOptions{
		RemoteName:    gogit.DefaultRemoteName,
		ReferenceName: plumbing.NewBranchReferenceName(r.opts.Branch),
		SingleBranch:  true,
		Auth:          r.auth(),
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return SyncResult{}, fmt.Errorf("failed to pull: %w", err)
	}

	to, err := r.head()
	if err != nil {
		return SyncResult{}, err
	}
	res := SyncResult{FromSHA: from, ToSHA: to}
	if res.Changed() {
		r.logger.Info("config repository updated", "from", from, "to", to)
	}
	return res, nil
}

func (r *Repository) openOrClone(ctx context.Context) (bool, error) {
	if _, err := os.Stat(filepath.Join(r.opts.LocalPath, gogit.GitDirName)); err == nil {
		repo, err := gogit.PlainOpen(r.opts.LocalPath)
		if err != nil {
			return false, fmt.Errorf("failed to open existing checkout: %w", err)
		}
		r.repo = repo
		return false, nil
	}

	if err := os.MkdirAll(r.opts.LocalPath, 0750); err != nil {
		return false, fmt.Errorf("failed to create checkout directory: %w", err)
	}
	repo, err := gogit.PlainCloneContext(ctx, r.opts.LocalPath, false, &gogit.CloneOptions{
		URL:           r.opts.URL,
		ReferenceName: plumbing.NewBranchReferenceName(r.opts.Branch),
		SingleBranch:  true,
		Auth:          r.auth(),
	})
	if err != nil {
		return false, fmt.Errorf("failed to clone repository: %w", err)
	}
	r.repo = repo
	return true, nil
}

func (r *Repository) head() (string, error) {
	ref, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to get HEAD: %w", err)
	}
	return ref.Hash().String(), nil
}

func (r *Repository) auth() transport.AuthMethod {
	if r.opts.Token == "" {
		return nil
	}
	return &http.BasicAuth{Username: "git", Password: r.opts.Token}
}

// WatchRepository syncs repo every interval and re-imports the folder
// whenever the checkout moves, until ctx is done. A failed sync is logged
// and retried on the next tick; only a failure of the first sync is
// returned.
func (im *Importer) WatchRepository(ctx context.Context, repo *Repository, interval time.Duration) error {
	if _, err := repo.Sync(ctx); err != nil {
		return err
	}
	if _, err := im.ImportAll(ctx); err != nil {
		im.logger.Warn("initial import incomplete", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	im.logger.Info("polling config repository", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := repo.Sync(ctx)
			if err != nil {
				im.logger.Warn("config repository sync failed", "error", err)
				continue
			}
			if !res.Changed() {
				continue
			}
			if n, err := im.ImportAll(ctx); err != nil {
				im.logger.Warn("import incomplete", "imported", n, "error", err)
			}
		}
	}
}
