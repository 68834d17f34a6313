package sanitize

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestWorkspacePath(t *testing.T) {
	root := t.TempDir()
	inside := filepath.Join(root, "repo")
	if err := os.Mkdir(inside, 0o755); err != nil {
		t.Fatal(err)
	}
	outside := t.TempDir()

	tests := []struct {
		name        string
		path        string
		allowedRoot string
		wantErr     error
	}{
		{
			name:    "empty path",
			path:    "",
			wantErr: ErrEmptyPath,
		},
		{
			name:    "relative path",
			path:    "repo",
			wantErr: ErrRelativePath,
		},
		{
			name:    "absolute path without root",
			path:    inside,
			wantErr: nil,
		},
		{
			name:    "traversal attack",
			path:    inside + "/../../etc",
			wantErr: ErrPathTraversal,
		},
		{
			name:        "path within root",
			path:        inside,
			allowedRoot: root,
			wantErr:     nil,
		},
		{
			name:        "root itself",
			path:        root,
			allowedRoot: root,
			wantErr:     nil,
		},
		{
			name:        "path outside root",
			path:        outside,
			allowedRoot: root,
			wantErr:     ErrPathTraversal,
		},
		{
			name:        "sibling with root prefix",
			path:        root + "-other",
			allowedRoot: root,
			wantErr:     ErrPathTraversal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := WorkspacePath(tt.path, tt.allowedRoot)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("WorkspacePath() unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("WorkspacePath() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestWorkspacePath_Symlink(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(root, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if _, err := WorkspacePath(link, root); !errors.Is(err, ErrPathTraversal) {
		t.Errorf("symlink escaping the root: error = %v, want %v", err, ErrPathTraversal)
	}
}

func TestRepoFile(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		want    string
		wantErr error
	}{
		{name: "simple", file: "main.go", want: "main.go"},
		{name: "nested", file: "cmd/app/main.go", want: "cmd/app/main.go"},
		{name: "redundant segments", file: "./cmd//app/./main.go", want: "cmd/app/main.go"},
		{name: "dotfile", file: ".gitignore", want: ".gitignore"},
		{name: "empty", file: "", wantErr: ErrEmptyPath},
		{name: "dot", file: ".", wantErr: ErrEmptyPath},
		{name: "absolute", file: "/etc/passwd", wantErr: ErrAbsolutePath},
		{name: "traversal", file: "../secrets.txt", wantErr: ErrPathTraversal},
		{name: "hidden traversal", file: "a/../../b", wantErr: ErrPathTraversal},
		{name: "git dir", file: ".git/config", wantErr: ErrGitDir},
		{name: "git dir itself", file: ".git", wantErr: ErrGitDir},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RepoFile(tt.file)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("RepoFile(%q) error = %v, want %v", tt.file, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("RepoFile(%q) unexpected error: %v", tt.file, err)
			}
			if got != tt.want {
				t.Errorf("RepoFile(%q) = %q, want %q", tt.file, got, tt.want)
			}
		})
	}
}

func TestRepoFiles(t *testing.T) {
	got, err := RepoFiles([]string{"a.go", "./b/c.go"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "a.go" || got[1] != "b/c.go" {
		t.Errorf("RepoFiles() = %v", got)
	}
	if _, err := RepoFiles([]string{"ok.go", "../bad"}); !errors.Is(err, ErrPathTraversal) {
		t.Errorf("RepoFiles() error = %v, want %v", err, ErrPathTraversal)
	}
}
