package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrNotFound is wrapped by lookup errors for unknown tool names.
var ErrNotFound = errors.New("tool not found")

// Registry holds the discovered tool set. It is safe for concurrent reads
// after Discover returns; Discover itself replaces the published set
// atomically and never partially.
type Registry struct {
	root     string
	handlers map[string]HandlerFunc

	mu      sync.RWMutex
	entries map[string]*entry
}

// entry is a tool plus its eagerly compiled schemas.
type entry struct {
	tool      Tool
	input     *jsonschema.Schema
	inputRaw  map[string]any
	output    *jsonschema.Schema // nil when the manifest declares none
	outputRaw map[string]any
}

// manifest is the on-disk shape of <root>/<dir>/manifest.json.
type manifest struct {
	Package string         `json:"package"`
	Tools   []manifestTool `json:"tools"`
}

type manifestTool struct {
	Name        string          `json:"name"`
	Mode        string          `json:"mode"`
	Handler     string          `json:"handler"`
	Description string          `json:"description"`
	Schemas     manifestSchemas `json:"schemas"`
}

type manifestSchemas struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// New creates a registry that scans root for manifests and resolves their
// handler references against the given registration table.
func New(root string, handlers map[string]HandlerFunc) *Registry {
	return &Registry{
		root:     root,
		handlers: handlers,
		entries:  make(map[string]*entry),
	}
}

// Discover scans <root>/*/manifest.json (one level deep), parses every
// manifest, compiles every schema, and resolves every handler. Any error
// aborts the whole discovery and leaves the previously published tool set
// untouched.
func (r *Registry) Discover() error {
	if _, err := os.Stat(r.root); err != nil {
		return fmt.Errorf("tools root %s: %w", r.root, err)
	}

	paths, err := filepath.Glob(filepath.Join(r.root, "*", "manifest.json"))
	if err != nil {
		return fmt.Errorf("scan tools root: %w", err)
	}
	sort.Strings(paths)

	// Stage into a fresh map; publish only on full success.
	staged := make(map[string]*entry)
	for _, p := range paths {
		if err := r.loadManifest(p, staged); err != nil {
			return fmt.Errorf("manifest %s: %w", p, err)
		}
	}

	r.mu.Lock()
	r.entries = staged
	r.mu.Unlock()

	slog.Info("tool discovery complete", "root", r.root, "manifests", len(paths), "tools", len(staged))
	return nil
}

func (r *Registry) loadManifest(path string, staged map[string]*entry) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if m.Package == "" || len(m.Tools) == 0 {
		return fmt.Errorf("invalid manifest: package and at least one tool required")
	}

	dir := filepath.Dir(path)
	for _, t := range m.Tools {
		if t.Name == "" {
			return fmt.Errorf("tool with empty name")
		}
		if _, dup := staged[t.Name]; dup {
			return fmt.Errorf("duplicate tool name %q", t.Name)
		}
		if !Mode(t.Mode).Valid() {
			return fmt.Errorf("tool %q: unknown mode %q", t.Name, t.Mode)
		}
		fn, ok := r.handlers[t.Handler]
		if !ok {
			return fmt.Errorf("tool %q: handler %q is not registered", t.Name, t.Handler)
		}
		if t.Schemas.Input == "" {
			return fmt.Errorf("tool %q: input schema is required", t.Name)
		}

		in, inRaw, err := compileSchema(filepath.Join(dir, t.Schemas.Input))
		if err != nil {
			return fmt.Errorf("tool %q: input schema: %w", t.Name, err)
		}

		e := &entry{
			tool: Tool{
				Spec: ToolSpec{
					Name:            t.Name,
					Mode:            Mode(t.Mode),
					Handler:         t.Handler,
					Description:     t.Description,
					HasOutputSchema: t.Schemas.Output != "",
				},
				Fn: fn,
			},
			input:    in,
			inputRaw: inRaw,
		}

		if t.Schemas.Output != "" {
			out, outRaw, err := compileSchema(filepath.Join(dir, t.Schemas.Output))
			if err != nil {
				return fmt.Errorf("tool %q: output schema: %w", t.Name, err)
			}
			e.output = out
			e.outputRaw = outRaw
		}

		staged[t.Name] = e
		slog.Debug("registered tool", "name", t.Name, "mode", t.Mode, "handler", t.Handler)
	}

	return nil
}

// compileSchema reads and compiles a Draft 2020-12 schema document,
// returning both the compiled form and the raw document.
func compileSchema(path string) (*jsonschema.Schema, map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("parse: %w", err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := "file://" + filepath.ToSlash(path)
	if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
		return nil, nil, fmt.Errorf("add resource: %w", err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, nil, fmt.Errorf("compile: %w", err)
	}
	return sch, raw, nil
}

// Get returns the resolved tool for name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Tool{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return e.tool, nil
}

// List returns a copy of the discovered specs keyed by tool name.
func (r *Registry) List() map[string]ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make(map[string]ToolSpec, len(r.entries))
	for name, e := range r.entries {
		specs[name] = e.tool.Spec
	}
	return specs
}

// InputSchema returns the compiled input schema and its raw document.
func (r *Registry) InputSchema(name string) (*jsonschema.Schema, map[string]any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return e.input, e.inputRaw, nil
}

// OutputSchema returns the compiled output schema and its raw document, or
// (nil, nil, nil) when the tool declares no output schema.
func (r *Registry) OutputSchema(name string) (*jsonschema.Schema, map[string]any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return e.output, e.outputRaw, nil
}
