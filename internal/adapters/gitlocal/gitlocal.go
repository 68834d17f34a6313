// Package gitlocal is an orchestrator adapter that runs branch, commit and
// push commands against the session's working tree with go-git.
//
// The working tree is the session's WorkspaceRef, an absolute path to an
// existing repository.
package gitlocal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"

	hubconfig "github.com/fyrsmithlabs/agenthub/internal/config"
	"github.com/fyrsmithlabs/agenthub/internal/orchestrator"
	"github.com/fyrsmithlabs/agenthub/internal/policy"
	"github.com/fyrsmithlabs/agenthub/internal/protocol"
	"github.com/fyrsmithlabs/agenthub/internal/sanitize"
)

// ErrNoWorkspace is returned for sessions without a usable WorkspaceRef.
var ErrNoWorkspace = errors.New("session has no git workspace")

var kinds = map[protocol.CommandKind]bool{
	protocol.KindCreateBranch: true,
	protocol.KindDeleteBranch: true,
	protocol.KindCommit:       true,
	protocol.KindPush:         true,
}

// Adapter executes git commands in session workspaces.
type Adapter struct {
	authorName  string
	authorEmail string
	remote      string
	root        string
	auth        transport.AuthMethod
	logger      *zap.Logger
	now         func() time.Time
}

var _ orchestrator.Adapter = (*Adapter)(nil)

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithClock replaces time.Now for commit signatures.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// New returns an adapter using the author and remote settings in cfg.
// When cfg.WorkspaceRoot is set, workspaces outside it are rejected.
// Push authenticates with HTTP basic auth when a username is configured.
func New(cfg hubconfig.GitConfig, opts ...Option) *Adapter {
	a := &Adapter{
		authorName:  cfg.AuthorName,
		authorEmail: cfg.AuthorEmail,
		remote:      cfg.Remote,
		root:        cfg.WorkspaceRoot,
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	if a.remote == "" {
		a.remote = git.DefaultRemoteName
	}
	if cfg.Username != "" {
		a.auth = &githttp.BasicAuth{Username: cfg.Username, Password: cfg.Password.Value()}
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string { return "gitlocal" }

func (a *Adapter) CanHandle(kind protocol.CommandKind) bool { return kinds[kind] }

// HandleCommand accepts cmd and runs it. Failures are returned to the
// dispatcher, which records them as failed outcomes.
func (a *Adapter) HandleCommand(ctx context.Context, cmd protocol.Command, s *orchestrator.SessionState) error {
	repo, err := a.open(s)
	if err != nil {
		return s.Reject(cmd, err.Error(), "Workspace")
	}
	if err := s.Accept(cmd); err != nil {
		return err
	}

	switch cmd.Kind {
	case protocol.KindCreateBranch:
		if p, ok := protocol.PayloadAs[protocol.CreateBranch](cmd.Payload); ok {
			return a.createBranch(cmd, s, repo, p)
		}
	case protocol.KindDeleteBranch:
		if p, ok := protocol.PayloadAs[protocol.DeleteBranch](cmd.Payload); ok {
			return a.deleteBranch(cmd, s, repo, p)
		}
	case protocol.KindCommit:
		if p, ok := protocol.PayloadAs[protocol.Commit](cmd.Payload); ok {
			return a.commit(cmd, s, repo, p)
		}
	case protocol.KindPush:
		if p, ok := protocol.PayloadAs[protocol.Push](cmd.Payload); ok {
			return a.push(ctx, cmd, s, repo, p)
		}
	}
	return fmt.Errorf("unsupported payload %T for %s", cmd.Payload, cmd.Kind)
}

func (a *Adapter) open(s *orchestrator.SessionState) (*git.Repository, error) {
	path, err := sanitize.WorkspacePath(s.Config().WorkspaceRef, a.root)
	if err != nil {
		return nil, fmt.Errorf("%w: workspaceRef: %v", ErrNoWorkspace, err)
	}
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoWorkspace, err)
	}
	return repo, nil
}

func (a *Adapter) createBranch(cmd protocol.Command, s *orchestrator.SessionState, repo *git.Repository, p protocol.CreateBranch) error {
	name := plumbing.NewBranchReferenceName(p.Name)
	if err := name.Validate(); err != nil || p.Name == "" {
		return s.Reject(cmd, fmt.Sprintf("invalid branch name %q", p.Name), "GitRef")
	}
	if _, err := repo.Reference(name, false); err == nil {
		return s.Fail(cmd, fmt.Sprintf("branch %s already exists", p.Name))
	}

	from, err := resolve(repo, p.From)
	if err != nil {
		return err
	}

	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	dirty, err := changedFiles(wt)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	if len(dirty) > 0 {
		if err := s.Conflict(cmd, dirty, "working tree has uncommitted changes"); err != nil {
			return err
		}
		return s.Fail(cmd, "cannot switch branches with uncommitted changes")
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: from, Branch: name, Create: true}); err != nil {
		return fmt.Errorf("checkout %s: %w", p.Name, err)
	}

	a.logger.Info("branch created",
		zap.String("session.id", s.ID()),
		zap.String("branch", p.Name),
		zap.String("from", from.String()))
	return s.Complete(cmd, fmt.Sprintf("created %s at %s", p.Name, from.String()[:12]))
}

func (a *Adapter) deleteBranch(cmd protocol.Command, s *orchestrator.SessionState, repo *git.Repository, p protocol.DeleteBranch) error {
	name := plumbing.NewBranchReferenceName(p.Name)
	if _, err := repo.Reference(name, false); err != nil {
		return s.Fail(cmd, fmt.Sprintf("branch %s not found", p.Name))
	}
	if head, err := repo.Head(); err == nil && head.Name() == name {
		return s.Fail(cmd, fmt.Sprintf("cannot delete the checked-out branch %s", p.Name))
	}
	if err := repo.Storer.RemoveReference(name); err != nil {
		return fmt.Errorf("delete %s: %w", p.Name, err)
	}
	// Tracking configuration is optional.
	_ = repo.DeleteBranch(p.Name)
	return s.Complete(cmd, "deleted "+p.Name)
}

func (a *Adapter) commit(cmd protocol.Command, s *orchestrator.SessionState, repo *git.Repository, p protocol.Commit) error {
	if p.Message == "" {
		return s.Reject(cmd, "commit message is required", "GitCommit")
	}
	files, err := sanitize.RepoFiles(p.Files)
	if err != nil {
		return s.Reject(cmd, err.Error(), "GitCommit")
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	// Policy only sees the listed files; an empty list commits everything.
	before, err := wt.Status()
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	if limit := s.Profile().MaxFilesPerCommit; limit > 0 {
		if n := len(commitSet(before, files)); n > limit {
			return s.Reject(cmd, fmt.Sprintf("commit would include %d files, limit is %d", n, limit),
				string(policy.RuleMaxFilesPerCommit))
		}
	}

	if len(files) == 0 {
		if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
			return fmt.Errorf("stage all: %w", err)
		}
	}
	for _, f := range files {
		if _, err := wt.Add(f); err != nil {
			return fmt.Errorf("stage %s: %w", f, err)
		}
	}

	status, err := wt.Status()
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	staged := stagedFiles(status)
	if len(staged) == 0 {
		return s.Fail(cmd, "nothing to commit")
	}

	hash, err := wt.Commit(p.Message, &git.CommitOptions{
		Author: &object.Signature{Name: a.authorName, Email: a.authorEmail, When: a.now()},
	})
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	if err := s.Artifact(cmd, protocol.Artifact{
		Kind: protocol.ArtifactReference,
		Name: "commit",
		Ref:  hash.String(),
	}); err != nil {
		return err
	}
	a.logger.Info("commit created",
		zap.String("session.id", s.ID()),
		zap.String("commit", hash.String()),
		zap.Int("files", len(staged)))
	return s.Complete(cmd, fmt.Sprintf("committed %d file(s) as %s", len(staged), hash.String()[:12]))
}

func (a *Adapter) push(ctx context.Context, cmd protocol.Command, s *orchestrator.SessionState, repo *git.Repository, p protocol.Push) error {
	branch := p.Branch
	if branch == "" {
		head, err := repo.Head()
		if err != nil || !head.Name().IsBranch() {
			return s.Reject(cmd, "no branch given and HEAD is detached", "GitRef")
		}
		branch = head.Name().Short()
	}
	// The policy check ran on the payload, which may leave the branch implicit.
	if s.Profile().IsProtected(branch) {
		return s.Reject(cmd, fmt.Sprintf("branch %q is protected", branch), string(policy.RuleProtectedBranches))
	}
	remote := p.Remote
	if remote == "" {
		remote = a.remote
	}

	spec := fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch)
	if p.Force {
		spec = "+" + spec
	}
	err := repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remote,
		RefSpecs:   []config.RefSpec{config.RefSpec(spec)},
		Auth:       a.auth,
	})
	switch {
	case errors.Is(err, git.NoErrAlreadyUpToDate):
		return s.Complete(cmd, fmt.Sprintf("%s already up to date on %s", branch, remote))
	case isNonFastForward(err):
		if cerr := s.Conflict(cmd, nil, fmt.Sprintf("%s has diverged from %s", branch, remote)); cerr != nil {
			return cerr
		}
		return s.Fail(cmd, "push rejected: non-fast-forward")
	case err != nil:
		return fmt.Errorf("push %s to %s: %w", branch, remote, err)
	}
	return s.Complete(cmd, fmt.Sprintf("pushed %s to %s", branch, remote))
}

// resolve returns the commit named by rev, a branch name, or HEAD when
// rev is empty.
func resolve(repo *git.Repository, rev string) (plumbing.Hash, error) {
	if rev == "" {
		head, err := repo.Head()
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("resolve HEAD: %w", err)
		}
		return head.Hash(), nil
	}
	h, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve %s: %w", rev, err)
	}
	return *h, nil
}

func stagedFiles(status git.Status) []string {
	var out []string
	for path, st := range status {
		if st.Staging != git.Unmodified && st.Staging != git.Untracked {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out
}

func changedFiles(wt *git.Worktree) ([]string, error) {
	status, err := wt.Status()
	if err != nil {
		return nil, err
	}
	var out []string
	for path, st := range status {
		if st.Worktree != git.Unmodified && st.Worktree != git.Untracked {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out, nil
}

// commitSet lists the paths a commit of files would include: everything
// already staged plus the listed files, or every change when none are listed.
func commitSet(status git.Status, files []string) []string {
	set := make(map[string]bool, len(files))
	for path, st := range status {
		if st.Staging != git.Unmodified && st.Staging != git.Untracked {
			set[path] = true
		}
		if len(files) == 0 && st.Worktree != git.Unmodified {
			set[path] = true
		}
	}
	for _, f := range files {
		set[f] = true
	}
	out := make([]string, 0, len(set))
	for path := range set {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// isNonFastForward matches a push the remote refused without force. go-git
// reports a rejected ref update as a plain error message.
func isNonFastForward(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, git.ErrForceNeeded) ||
		errors.Is(err, git.ErrNonFastForwardUpdate) ||
		strings.Contains(err.Error(), git.ErrNonFastForwardUpdate.Error())
}
