// Package repository fetches the correlation-rule corpus from a git remote.
package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Common errors.
var (
	ErrInvalidURL      = errors.New("invalid repository URL")
	ErrCloneFailed     = errors.New("git clone failed")
	ErrPullFailed      = errors.New("git pull failed")
	ErrNotRepository   = errors.New("not a git repository")
	ErrGitNotInstalled = errors.New("git is not installed")
	ErrInvalidPath     = errors.New("invalid checkout path")
)

// Source describes where the corpus lives.
type Source struct {
	// RemoteURL is the git remote URL (HTTPS or SSH).
	RemoteURL string `yaml:"remote_url"`

	// Dir is the local checkout directory.
	Dir string `yaml:"checkout_dir"`

	// Branch to check out (default: main).
	Branch string `yaml:"branch"`

	// Depth for shallow clone (0 = full clone).
	Depth int `yaml:"depth"`

	// SSHKeyPath is the private key used for SSH URLs.
	SSHKeyPath string `yaml:"ssh_key_path"`
}

// Result describes a clone or pull.
type Result struct {
	Cloned     bool
	Message    string
	CommitHash string
	Duration   time.Duration
}

// Status is the state of a local checkout.
type Status struct {
	Dir           string `json:"dir"`
	RemoteURL     string `json:"remote_url"`
	Branch        string `json:"branch"`
	CurrentBranch string `json:"current_branch"`
	CommitHash    string `json:"commit_hash"`
	Exists        bool   `json:"exists"`
	HasChanges    bool   `json:"has_changes"`
}

// runner executes git in dir and returns its combined output.
type runner func(ctx context.Context, dir string, env []string, args ...string) ([]byte, error)

// Fetcher clones and updates a corpus checkout.
type Fetcher struct {
	source Source
	logger *zap.Logger
	run    runner
}

// NewFetcher validates src and locates git.
func NewFetcher(src Source, logger *zap.Logger) (*Fetcher, error) {
	if err := ValidateURL(src.RemoteURL); err != nil {
		return nil, err
	}
	if strings.TrimSpace(src.Dir) == "" {
		return nil, fmt.Errorf("%w: checkout directory is required", ErrInvalidPath)
	}
	if src.Branch == "" {
		src.Branch = "main"
	}

	gitPath, err := exec.LookPath("git")
	if err != nil {
		return nil, ErrGitNotInstalled
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Fetcher{
		source: src,
		logger: logger,
		run: func(ctx context.Context, dir string, env []string, args ...string) ([]byte, error) {
			cmd := exec.CommandContext(ctx, gitPath, args...)
			cmd.Dir = dir
			if len(env) > 0 {
				cmd.Env = append(os.Environ(), env...)
			}
			return cmd.CombinedOutput()
		},
	}, nil
}

// ValidateURL accepts HTTPS, HTTP and SSH remotes.
func ValidateURL(url string) error {
	if strings.TrimSpace(url) == "" {
		return fmt.Errorf("%w: remote URL is required", ErrInvalidURL)
	}
	for _, prefix := range []string{"https://", "http://", "git@", "ssh://"} {
		if strings.HasPrefix(url, prefix) && len(url) > len(prefix) {
			return nil
		}
	}
	return fmt.Errorf("%w: %q must be HTTPS, HTTP, or SSH format", ErrInvalidURL, url)
}

// Source returns the fetcher's configuration with defaults applied.
func (f *Fetcher) Source() Source {
	return f.source
}

// CloneOrPull clones the corpus when the checkout does not exist and pulls
// it otherwise.
func (f *Fetcher) CloneOrPull(ctx context.Context) (*Result, error) {
	if isRepository(f.source.Dir) {
		return f.Pull(ctx)
	}
	return f.Clone(ctx)
}

// Clone clones the corpus into an absent or empty checkout directory.
func (f *Fetcher) Clone(ctx context.Context) (*Result, error) {
	dir := f.source.Dir
	if entries, err := os.ReadDir(dir); err == nil && len(entries) > 0 {
		return nil, fmt.Errorf("%w: %s exists and is not empty", ErrInvalidPath, dir)
	}
	if err := os.MkdirAll(filepath.Dir(filepath.Clean(dir)), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	start := time.Now()
	args := []string{"clone"}
	if f.source.Depth > 0 {
		args = append(args, "--depth", strconv.Itoa(f.source.Depth))
	}
	args = append(args, "--branch", f.source.Branch, "--single-branch", f.source.RemoteURL, dir)

	output, err := f.run(ctx, "", f.env(), args...)
	if err != nil {
		// Clean up partial clone
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: %s", ErrCloneFailed, strings.TrimSpace(string(output)))
	}

	res := &Result{
		Cloned:     true,
		Message:    "repository cloned",
		CommitHash: f.headCommit(ctx),
		Duration:   time.Since(start),
	}
	f.logger.Info("Corpus cloned",
		zap.String("remote", f.source.RemoteURL),
		zap.String("dir", dir),
		zap.String("branch", f.source.Branch),
		zap.String("commit", res.CommitHash),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

// Pull fast-forwards an existing checkout.
func (f *Fetcher) Pull(ctx context.Context) (*Result, error) {
	if !isRepository(f.source.Dir) {
		return nil, fmt.Errorf("%w: %s", ErrNotRepository, f.source.Dir)
	}

	start := time.Now()
	output, err := f.run(ctx, f.source.Dir, f.env(), "pull", "--ff-only")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPullFailed, strings.TrimSpace(string(output)))
	}

	res := &Result{
		Message:    strings.TrimSpace(string(output)),
		CommitHash: f.headCommit(ctx),
		Duration:   time.Since(start),
	}
	f.logger.Info("Corpus updated",
		zap.String("dir", f.source.Dir),
		zap.String("commit", res.CommitHash),
		zap.String("message", res.Message),
	)
	return res, nil
}

// Status inspects the checkout. A missing checkout is not an error.
func (f *Fetcher) Status(ctx context.Context) (*Status, error) {
	st := &Status{
		Dir:       f.source.Dir,
		RemoteURL: f.source.RemoteURL,
		Branch:    f.source.Branch,
	}
	if !isRepository(f.source.Dir) {
		return st, nil
	}
	st.Exists = true

	if out, err := f.run(ctx, f.source.Dir, nil, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		st.CurrentBranch = strings.TrimSpace(string(out))
	}
	st.CommitHash = f.headCommit(ctx)
	if out, err := f.run(ctx, f.source.Dir, nil, "status", "--porcelain"); err == nil {
		st.HasChanges = len(strings.TrimSpace(string(out))) > 0
	}
	return st, nil
}

func (f *Fetcher) headCommit(ctx context.Context) string {
	out, err := f.run(ctx, f.source.Dir, nil, "rev-parse", "HEAD")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func (f *Fetcher) env() []string {
	if f.source.SSHKeyPath == "" {
		return nil
	}
	return []string{fmt.Sprintf("GIT_SSH_COMMAND=ssh -i %s -o StrictHostKeyChecking=accept-new", f.source.SSHKeyPath)}
}

func isRepository(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}
