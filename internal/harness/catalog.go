package harness

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// Definition describes a command-line agent the generic backend can drive.
type Definition struct {
	Name   string   `yaml:"name"`
	Binary string   `yaml:"binary"`
	Args   []string `yaml:"args"`
	// ModelFlag is expanded into {{model_args}} when a model is set.
	ModelFlag string `yaml:"model_flag"`
	// PromptMode is "arg" (default) or "stdin".
	PromptMode string `yaml:"prompt_mode"`
	// CompletionMarker, when set, must appear in the output for success.
	CompletionMarker string `yaml:"completion_marker"`
	// FailureMarker in the output turns a clean exit into a failure.
	FailureMarker string `yaml:"failure_marker"`
	// RequiredCredentials lists env vars that must be non-empty.
	RequiredCredentials []string `yaml:"required_credentials"`
}

// Catalog holds CLI definitions by name.
type Catalog struct {
	defs map[string]Definition
}

// LoadCatalog reads the built-in definitions and then any *.yaml files in
// customDir, which may override built-ins by name. A missing customDir is
// not an error.
func LoadCatalog(customDir string) (*Catalog, error) {
	c := &Catalog{defs: make(map[string]Definition)}

	entries, err := fs.ReadDir(builtinFS, "builtin")
	if err != nil {
		return nil, fmt.Errorf("read builtin harness definitions: %w", err)
	}
	for _, entry := range entries {
		data, err := fs.ReadFile(builtinFS, path.Join("builtin", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read builtin definition %q: %w", entry.Name(), err)
		}
		if err := c.addYAML(data); err != nil {
			return nil, fmt.Errorf("builtin definition %q: %w", entry.Name(), err)
		}
	}

	if customDir == "" {
		return c, nil
	}
	custom, err := os.ReadDir(customDir)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("read custom harness definitions: %w", err)
	}
	for _, entry := range custom {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		full := filepath.Join(customDir, entry.Name())
		data, err := os.ReadFile(full)
		if err != nil {
			return nil, fmt.Errorf("read harness definition %q: %w", full, err)
		}
		if err := c.addYAML(data); err != nil {
			return nil, fmt.Errorf("harness definition %q: %w", full, err)
		}
	}
	return c, nil
}

func (c *Catalog) addYAML(data []byte) error {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return err
	}
	def.Name = strings.ToLower(strings.TrimSpace(def.Name))
	if def.Name == "" {
		return fmt.Errorf("name is required")
	}
	if def.Binary == "" {
		def.Binary = def.Name
	}
	switch def.PromptMode {
	case "":
		def.PromptMode = "arg"
	case "arg", "stdin":
	default:
		return fmt.Errorf("unknown prompt_mode %q", def.PromptMode)
	}
	c.defs[def.Name] = def
	return nil
}

// Get returns a definition by name.
func (c *Catalog) Get(name string) (Definition, bool) {
	def, ok := c.defs[strings.ToLower(name)]
	return def, ok
}

// Names returns definition names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.defs))
	for name := range c.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Backends returns a CommandBackend for every definition.
func (c *Catalog) Backends() []Backend {
	out := make([]Backend, 0, len(c.defs))
	for _, name := range c.Names() {
		out = append(out, NewCommandBackend(c.defs[name]))
	}
	return out
}
