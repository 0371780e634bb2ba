package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joestump/homegate/internal/access"
)

// MaxReadBytes bounds how much of a file ReadFile returns.
const MaxReadBytes = 1 << 20

// ErrPathDenied is returned when the access policy refuses a path.
var ErrPathDenied = errors.New("path not allowed")

// DirEntry describes one directory entry.
type DirEntry struct {
	Name    string    `json:"name"`
	IsDir   bool      `json:"is_dir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Files performs filesystem operations under an access policy.
type Files struct {
	policy *access.Policy
}

func NewFiles(policy *access.Policy) *Files {
	return &Files{policy: policy}
}

func (f *Files) check(path string, level access.Level) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path is required")
	}
	if !f.policy.PathAllowed(path, level) {
		return "", fmt.Errorf("%w: %s", ErrPathDenied, path)
	}
	return expand(path), nil
}

// Read returns up to MaxReadBytes of the file at path. truncated reports
// whether the file was longer.
func (f *Files) Read(path string, level access.Level) (content string, truncated bool, err error) {
	p, err := f.check(path, level)
	if err != nil {
		return "", false, err
	}
	fh, err := os.Open(p)
	if err != nil {
		return "", false, err
	}
	defer fh.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(fh, MaxReadBytes+1))
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) > MaxReadBytes {
		return string(data[:MaxReadBytes]), true, nil
	}
	return string(data), false, nil
}

// List returns the entries of the directory at path, directories first.
func (f *Files) List(path string, level access.Level) ([]DirEntry, error) {
	p, err := f.check(path, level)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		de := DirEntry{Name: e.Name(), IsDir: e.IsDir()}
		if info, err := e.Info(); err == nil {
			de.Size = info.Size()
			de.ModTime = info.ModTime()
		}
		out = append(out, de)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsDir != out[j].IsDir {
			return out[i].IsDir
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Write creates or replaces the file at path. Parent directories must exist.
func (f *Files) Write(path, content string, level access.Level) (int, error) {
	p, err := f.check(path, level)
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		return 0, err
	}
	return len(content), nil
}

// MakeDir creates the directory at path and any missing parents.
func (f *Files) MakeDir(path string, level access.Level) error {
	p, err := f.check(path, level)
	if err != nil {
		return err
	}
	return os.MkdirAll(p, 0o755)
}

func expand(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

var pathSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"path": {"type": "string", "description": "Absolute path, or ~/ for the home directory"}
	},
	"required": ["path"]
}`)

type pathArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// ReadFileTool is the read_file tool.
type ReadFileTool struct{ files *Files }

func (t *ReadFileTool) Name() string                { return "read_file" }
func (t *ReadFileTool) Description() string         { return "Read a text file from the host" }
func (t *ReadFileTool) MinLevel() access.Level      { return access.ReadFiles }
func (t *ReadFileTool) Parameters() json.RawMessage { return pathSchema }

func (t *ReadFileTool) Execute(_ context.Context, level access.Level, args json.RawMessage) (string, error) {
	var a pathArgs
	if err := decodeArgs(args, &a); err != nil {
		return "", err
	}
	content, truncated, err := t.files.Read(a.Path, level)
	if err != nil {
		return "", err
	}
	if truncated {
		content += "\n\n[File truncated]"
	}
	return content, nil
}

// ListDirTool is the list_dir tool.
type ListDirTool struct{ files *Files }

func (t *ListDirTool) Name() string                { return "list_dir" }
func (t *ListDirTool) Description() string         { return "List the entries of a directory on the host" }
func (t *ListDirTool) MinLevel() access.Level      { return access.ReadFiles }
func (t *ListDirTool) Parameters() json.RawMessage { return pathSchema }

func (t *ListDirTool) Execute(_ context.Context, level access.Level, args json.RawMessage) (string, error) {
	var a pathArgs
	if err := decodeArgs(args, &a); err != nil {
		return "", err
	}
	entries, err := t.files.List(a.Path, level)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "(empty directory)", nil
	}
	var sb strings.Builder
	for _, e := range entries {
		if e.IsDir {
			fmt.Fprintf(&sb, "%s/\n", e.Name)
		} else {
			fmt.Fprintf(&sb, "%s\t%d\n", e.Name, e.Size)
		}
	}
	return sb.String(), nil
}

// WriteFileTool is the write_file tool.
type WriteFileTool struct{ files *Files }

func (t *WriteFileTool) Name() string           { return "write_file" }
func (t *WriteFileTool) Description() string    { return "Create or overwrite a text file on the host" }
func (t *WriteFileTool) MinLevel() access.Level { return access.WriteFiles }
func (t *WriteFileTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Absolute path of the file"},
			"content": {"type": "string", "description": "Full file content"}
		},
		"required": ["path", "content"]
	}`)
}

func (t *WriteFileTool) Execute(_ context.Context, level access.Level, args json.RawMessage) (string, error) {
	var a pathArgs
	if err := decodeArgs(args, &a); err != nil {
		return "", err
	}
	n, err := t.files.Write(a.Path, a.Content, level)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %d bytes to %s", n, a.Path), nil
}

// MakeDirTool is the make_dir tool.
type MakeDirTool struct{ files *Files }

func (t *MakeDirTool) Name() string                { return "make_dir" }
func (t *MakeDirTool) Description() string         { return "Create a directory (and parents) on the host" }
func (t *MakeDirTool) MinLevel() access.Level      { return access.WriteFiles }
func (t *MakeDirTool) Parameters() json.RawMessage { return pathSchema }

func (t *MakeDirTool) Execute(_ context.Context, level access.Level, args json.RawMessage) (string, error) {
	var a pathArgs
	if err := decodeArgs(args, &a); err != nil {
		return "", err
	}
	if err := t.files.MakeDir(a.Path, level); err != nil {
		return "", err
	}
	return "created " + a.Path, nil
}
