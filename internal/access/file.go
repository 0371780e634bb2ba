package access

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk policy override. Every list extends the built-in
// one; nothing in it can remove a built-in protected prefix.
type File struct {
	Sandbox     []string `yaml:"sandbox,omitempty"`
	Protected   []string `yaml:"protected,omitempty"`
	Blocked     []string `yaml:"blocked,omitempty"`
	Destructive []string `yaml:"destructive,omitempty"`
	Safe        []string `yaml:"safe,omitempty"`
}

// LoadFile reads a YAML policy file. A missing or empty path yields an
// empty File.
func LoadFile(path string) (*File, error) {
	if path == "" {
		return &File{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &File{}, nil
		}
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	return &f, nil
}

// Apply merges the file's lists into p.
func (f *File) Apply(p *Policy) {
	for _, root := range f.Sandbox {
		p.AddSandbox(root)
	}
	for _, prefix := range f.Protected {
		if prefix != "" {
			p.protected = append(p.protected, resolve(prefix))
		}
	}
	p.blocked = append(p.blocked, f.Blocked...)
	p.destructive = append(p.destructive, f.Destructive...)
	p.safe = append(p.safe, f.Safe...)
}

// Load builds a Policy from the sandbox roots plus an optional policy file.
func Load(sandboxRoots []string, policyFile string) (*Policy, error) {
	p := NewPolicy(sandboxRoots...)
	f, err := LoadFile(policyFile)
	if err != nil {
		return nil, err
	}
	f.Apply(p)
	return p, nil
}
