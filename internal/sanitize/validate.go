// Package sanitize validates paths that come from commands and session
// configuration before the git adapter touches the filesystem.
package sanitize

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// Validation errors for security checks.
var (
	// ErrPathTraversal indicates a path contains directory traversal sequences.
	ErrPathTraversal = errors.New("path contains directory traversal")

	// ErrRelativePath indicates a relative path was provided where absolute was expected.
	ErrRelativePath = errors.New("path must be absolute")

	// ErrAbsolutePath indicates an absolute path was provided where relative was expected.
	ErrAbsolutePath = errors.New("absolute path not allowed")

	// ErrGitDir indicates a path inside the repository's .git directory.
	ErrGitDir = errors.New("path inside .git is not allowed")

	// ErrEmptyPath indicates an empty path was provided.
	ErrEmptyPath = errors.New("path cannot be empty")
)

// WorkspacePath checks a session workspace path:
//   - Must be absolute and free of ".." segments
//   - Resolves symlinks, so a link cannot point the workspace elsewhere
//   - When allowedRoot is set, must resolve within it
//
// It returns the cleaned, resolved path.
func WorkspacePath(p, allowedRoot string) (string, error) {
	if p == "" {
		return "", ErrEmptyPath
	}
	if !filepath.IsAbs(p) {
		return "", fmt.Errorf("%w: %q", ErrRelativePath, p)
	}
	if hasDotDot(filepath.ToSlash(p)) {
		return "", fmt.Errorf("%w: contains '..'", ErrPathTraversal)
	}

	resolved := resolve(filepath.Clean(p))
	if allowedRoot == "" {
		return resolved, nil
	}

	root := resolve(filepath.Clean(allowedRoot))
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s escapes %s", ErrPathTraversal, p, allowedRoot)
	}
	return resolved, nil
}

// RepoFile checks a file named by a command relative to the worktree root
// and returns it in the slash-separated form git expects.
func RepoFile(name string) (string, error) {
	if name == "" {
		return "", ErrEmptyPath
	}
	slashed := filepath.ToSlash(name)
	if path.IsAbs(slashed) || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %q", ErrAbsolutePath, name)
	}
	if hasDotDot(slashed) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, name)
	}
	clean := path.Clean(slashed)
	if clean == "." {
		return "", ErrEmptyPath
	}
	if first, _, _ := strings.Cut(clean, "/"); first == ".git" {
		return "", fmt.Errorf("%w: %q", ErrGitDir, name)
	}
	return clean, nil
}

// RepoFiles applies RepoFile to every name.
func RepoFiles(names []string) ([]string, error) {
	out := make([]string, 0, len(names))
	for _, n := range names {
		clean, err := RepoFile(n)
		if err != nil {
			return nil, err
		}
		out = append(out, clean)
	}
	return out, nil
}

func hasDotDot(slashed string) bool {
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// resolve follows symlinks when the path exists.
func resolve(p string) string {
	if r, err := filepath.EvalSymlinks(p); err == nil {
		return r
	}
	return p
}
