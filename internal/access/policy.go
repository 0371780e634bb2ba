package access

import (
	"os"
	"path/filepath"
	"strings"
)

// defaultProtected are never readable or writable through the gateway, even
// at FullAccess. A leading "~" is expanded to the user's home directory.
var defaultProtected = []string{
	"/etc",
	"/usr",
	"/bin",
	"/sbin",
	"/System",
	"/Library/Keychains",
	"/private/etc",
	"~/.ssh",
	"~/.gnupg",
	"~/.aws",
	"~/Library/Keychains",
}

// Policy holds the path and command lists the gateway authorizes against.
// It is built once at startup and read concurrently without locking.
type Policy struct {
	protected   []string
	sandbox     []string
	blocked     []string
	destructive []string
	safe        []string
}

// NewPolicy returns the built-in policy with the given sandbox roots.
func NewPolicy(sandboxRoots ...string) *Policy {
	p := &Policy{
		blocked:     append([]string(nil), defaultBlocked...),
		destructive: append([]string(nil), defaultDestructive...),
		safe:        append([]string(nil), defaultSafe...),
	}
	for _, prefix := range defaultProtected {
		p.protected = append(p.protected, resolve(prefix))
	}
	for _, root := range sandboxRoots {
		p.AddSandbox(root)
	}
	return p
}

// AddSandbox registers another directory tree that is reachable below
// FullAccess.
func (p *Policy) AddSandbox(root string) {
	root = strings.TrimSpace(root)
	if root == "" {
		return
	}
	p.sandbox = append(p.sandbox, resolve(root))
}

// SandboxRoots returns the configured sandbox directories.
func (p *Policy) SandboxRoots() []string {
	return append([]string(nil), p.sandbox...)
}

// PathAllowed reports whether path may be touched at the given level.
// Protected system and credential directories are always denied. Paths
// under a sandbox root are allowed; anything else requires FullAccess.
func (p *Policy) PathAllowed(path string, level Level) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	resolved := resolve(path)
	for _, prefix := range p.protected {
		if within(resolved, prefix) {
			return false
		}
	}
	for _, root := range p.sandbox {
		if within(resolved, root) {
			return true
		}
	}
	return level == FullAccess
}

// resolve returns the cleaned absolute form of path with symlinks followed.
// A path that does not exist yet, as for writes, resolves its nearest
// existing ancestor and keeps the remainder as written.
func resolve(path string) string {
	abs := normalize(path)
	rest := ""
	dir := abs
	for {
		if real, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(real, rest)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs
		}
		rest = filepath.Join(filepath.Base(dir), rest)
		dir = parent
	}
}

func normalize(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

func within(path, root string) bool {
	if path == root {
		return true
	}
	if root == string(filepath.Separator) {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
