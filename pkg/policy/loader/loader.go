// Package loader reads policy templates from YAML files and keeps the policy
// store in sync with them.
//
// A file holds either a single policy document or a list under "policies".
// Loading never activates anything by itself; the Syncer creates drafts for
// definitions that differ from the latest stored version and activates them
// only when configured to.
package loader

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"fleetops/warden/pkg/policy"
)

// Config configures file loading.
type Config struct {
	// MaxFileSize is the maximum file size in bytes (default: 1MB).
	MaxFileSize int64

	// Extensions lists the file extensions considered policy files.
	Extensions []string

	// SkipHidden skips dot files and dot directories.
	SkipHidden bool
}

// DefaultConfig returns the default loader configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxFileSize: 1024 * 1024,
		Extensions:  []string{".yaml", ".yml"},
		SkipHidden:  true,
	}
}

// LoadError is returned when a policy file cannot be read or decoded.
type LoadError struct {
	FilePath string
	Message  string
	Cause    error
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("failed to load policy file %q: %s: %v", e.FilePath, e.Message, e.Cause)
	}
	return fmt.Sprintf("failed to load policy file %q: %s", e.FilePath, e.Message)
}

// Unwrap returns the underlying cause.
func (e *LoadError) Unwrap() error {
	return e.Cause
}

// Loader decodes policy files.
type Loader struct {
	config *Config
}

// New creates a Loader. A nil config uses DefaultConfig.
func New(config *Config) *Loader {
	if config == nil {
		config = DefaultConfig()
	}
	return &Loader{config: config}
}

type document struct {
	Policies []*policy.Template `yaml:"policies"`
}

// LoadFile decodes every policy in one file.
func (l *Loader) LoadFile(path string) ([]*policy.Template, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &LoadError{FilePath: path, Message: "failed to access file", Cause: err}
	}
	if !info.Mode().IsRegular() {
		return nil, &LoadError{FilePath: path, Message: "not a regular file"}
	}
	if info.Size() > l.config.MaxFileSize {
		return nil, &LoadError{
			FilePath: path,
			Message:  fmt.Sprintf("file size %d bytes exceeds maximum %d bytes", info.Size(), l.config.MaxFileSize),
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{FilePath: path, Message: "failed to read file", Cause: err}
	}
	if !utf8.Valid(data) {
		return nil, &LoadError{FilePath: path, Message: "file contains invalid UTF-8 encoding"}
	}

	templates, err := Decode(data)
	if err != nil {
		return nil, &LoadError{FilePath: path, Message: "YAML parsing failed", Cause: err}
	}
	return templates, nil
}

// Decode parses a YAML document holding one policy or a "policies" list.
func Decode(data []byte) ([]*policy.Template, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(false)
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if len(doc.Policies) > 0 {
		for i, t := range doc.Policies {
			if t == nil || t.Code == "" {
				return nil, fmt.Errorf("policies[%d]: code is required", i)
			}
		}
		return doc.Policies, nil
	}

	var single policy.Template
	if err := yaml.Unmarshal(data, &single); err != nil {
		return nil, err
	}
	if single.Code == "" {
		return nil, fmt.Errorf("document defines no policies")
	}
	return []*policy.Template{&single}, nil
}

// LoadDirectory decodes every policy file under dir. Files are visited in
// lexical order; the first failure aborts the load.
func (l *Loader) LoadDirectory(dir string) ([]*policy.Template, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		hidden := strings.HasPrefix(d.Name(), ".") && path != dir
		if d.IsDir() {
			if hidden && l.config.SkipHidden {
				return filepath.SkipDir
			}
			return nil
		}
		if hidden && l.config.SkipHidden {
			return nil
		}
		if l.hasValidExtension(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, &LoadError{FilePath: dir, Message: "failed to walk directory", Cause: err}
	}
	sort.Strings(files)

	var out []*policy.Template
	seen := make(map[string]string)
	for _, f := range files {
		templates, err := l.LoadFile(f)
		if err != nil {
			return nil, err
		}
		for _, t := range templates {
			if prev, dup := seen[t.Code]; dup {
				return nil, &LoadError{FilePath: f, Message: fmt.Sprintf("policy %q already defined in %s", t.Code, prev)}
			}
			seen[t.Code] = f
			out = append(out, t)
		}
	}
	return out, nil
}

// Load loads a single file or a whole directory.
func (l *Loader) Load(path string) ([]*policy.Template, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &LoadError{FilePath: path, Message: "failed to access path", Cause: err}
	}
	if info.IsDir() {
		return l.LoadDirectory(path)
	}
	return l.LoadFile(path)
}

func (l *Loader) hasValidExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, valid := range l.config.Extensions {
		if ext == strings.ToLower(valid) {
			return true
		}
	}
	return false
}
