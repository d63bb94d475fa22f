// Package module loads knowledge modules from disk. A module is a directory
// holding a MODULE.md with YAML frontmatter; its body is domain guidance that
// gets injected into the system prompt of agents spawned with that module.
package module

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrUnknownModule is returned when an agent requests a module that is not
// in the library.
var ErrUnknownModule = errors.New("module: unknown module")

var nameRegexp = regexp.MustCompile(`^[a-z0-9-]{1,64}$`)

// Metadata mirrors the YAML frontmatter fields inside MODULE.md.
type Metadata struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Module is one loaded knowledge module. The body is read lazily on first
// use so a large library does not cost IO for modules nobody requests.
type Module struct {
	Name        string
	Description string
	Path        string

	once    sync.Once
	body    string
	loadErr error
}

// Body returns the module's prompt text, loading it on first call.
func (m *Module) Body() (string, error) {
	m.once.Do(func() {
		data, err := os.ReadFile(m.Path)
		if err != nil {
			m.loadErr = fmt.Errorf("module: read %s: %w", m.Path, err)
			return
		}
		_, body, err := splitFrontMatter(string(data))
		if err != nil {
			m.loadErr = fmt.Errorf("module: parse %s: %w", m.Path, err)
			return
		}
		m.body = body
	})
	return m.body, m.loadErr
}

// Library is the set of modules discovered under one root directory.
type Library struct {
	modules map[string]*Module
}

// LoadDir walks root for MODULE.md files. Errors are aggregated so one broken
// file does not block the rest; duplicate names are skipped with an error
// entry. A missing root yields an empty library.
func LoadDir(root string) (*Library, []error) {
	lib := &Library{modules: make(map[string]*Module)}
	if root == "" {
		return lib, nil
	}

	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return lib, nil
		}
		return lib, []error{fmt.Errorf("module: stat %s: %w", root, err)}
	}
	if !info.IsDir() {
		return lib, []error{fmt.Errorf("module: path %s is not a directory", root)}
	}

	var errs []error
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			errs = append(errs, fmt.Errorf("module: walk %s: %w", path, walkErr))
			return nil
		}
		if d.IsDir() || d.Name() != "MODULE.md" {
			return nil
		}

		meta, err := readFrontMatter(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("module: read %s: %w", path, err))
			return nil
		}
		if err := validateMetadata(meta, filepath.Base(filepath.Dir(path))); err != nil {
			errs = append(errs, fmt.Errorf("module: validate %s: %w", path, err))
			return nil
		}
		if prev, ok := lib.modules[meta.Name]; ok {
			errs = append(errs, fmt.Errorf("module: duplicate module %q at %s (already from %s)", meta.Name, path, prev.Path))
			return nil
		}

		lib.modules[meta.Name] = &Module{
			Name:        meta.Name,
			Description: meta.Description,
			Path:        path,
		}
		return nil
	})
	if walkErr != nil {
		errs = append(errs, walkErr)
	}
	return lib, errs
}

// Get returns the named module.
func (l *Library) Get(name string) (*Module, error) {
	m, ok := l.modules[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModule, name)
	}
	return m, nil
}

// Names lists the library's module names, sorted.
func (l *Library) Names() []string {
	out := make([]string, 0, len(l.modules))
	for name := range l.modules {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Len reports how many modules the library holds.
func (l *Library) Len() int { return len(l.modules) }

// Validate checks that every requested name exists.
func (l *Library) Validate(names []string) error {
	for _, name := range names {
		if _, ok := l.modules[name]; !ok {
			return fmt.Errorf("%w: %q (available: %s)", ErrUnknownModule, name, strings.Join(l.Names(), ", "))
		}
	}
	return nil
}

// Render concatenates the bodies of the named modules into one prompt
// section. Names are rendered in the order given.
func (l *Library) Render(names []string) (string, error) {
	var b strings.Builder
	for _, name := range names {
		m, err := l.Get(name)
		if err != nil {
			return "", err
		}
		body, err := m.Body()
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "## %s\n%s\n\n", m.Name, strings.TrimSpace(body))
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}

func readFrontMatter(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, err
	}
	meta, _, err := splitFrontMatter(string(data))
	return meta, err
}

func splitFrontMatter(content string) (Metadata, string, error) {
	trimmed := strings.TrimPrefix(content, "\uFEFF") // drop BOM if present
	lines := strings.Split(trimmed, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return Metadata{}, "", errors.New("missing YAML frontmatter")
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == -1 {
		return Metadata{}, "", errors.New("missing closing frontmatter separator")
	}

	var meta Metadata
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &meta); err != nil {
		return Metadata{}, "", fmt.Errorf("decode YAML: %w", err)
	}

	body := strings.TrimPrefix(strings.Join(lines[end+1:], "\n"), "\n")
	return meta, body, nil
}

func validateMetadata(meta Metadata, dirName string) error {
	name := strings.TrimSpace(meta.Name)
	if name == "" {
		return errors.New("name is required")
	}
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid name %q", meta.Name)
	}
	if dirName != "" && name != dirName {
		return fmt.Errorf("name %q does not match directory %q", name, dirName)
	}
	if strings.TrimSpace(meta.Description) == "" {
		return errors.New("description is required")
	}
	return nil
}
