package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	"gopkg.in/yaml.v3"
)

// hclFile is the top-level HCL shape; optional blocks are pointers.
type hclFile struct {
	Simulation    *SimulationConfig    `hcl:"simulation,block"`
	Solver        *SolverConfig        `hcl:"solver,block"`
	RealTime      *RealTimeConfig      `hcl:"realtime,block"`
	Interface     *InterfaceConfig     `hcl:"interface,block"`
	Nodes         []NodeConfig         `hcl:"node,block"`
	Components    []ComponentConfig    `hcl:"component,block"`
	Exports       []ExportConfig       `hcl:"export,block"`
	Imports       []ImportConfig       `hcl:"import,block"`
	Events        []EventConfig        `hcl:"event,block"`
	Observability *ObservabilityConfig `hcl:"observability,block"`
}

func (f *hclFile) config() *Config {
	c := &Config{
		Nodes:      f.Nodes,
		Components: f.Components,
		Exports:    f.Exports,
		Imports:    f.Imports,
		Events:     f.Events,
	}
	if f.Simulation != nil {
		c.Simulation = *f.Simulation
	}
	if f.Solver != nil {
		c.Solver = *f.Solver
	}
	if f.RealTime != nil {
		c.RealTime = *f.RealTime
	}
	if f.Interface != nil {
		c.Interface = *f.Interface
	}
	if f.Observability != nil {
		c.Observability = *f.Observability
	}
	return c
}

// Load reads a run description, choosing the format by file extension
// (.hcl, .yaml, .yml), then applies defaults and validates it.
func Load(path string) (*Config, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hcl":
		return ParseHCL(src, path)
	case ".yaml", ".yml":
		return ParseYAML(src)
	default:
		return nil, fmt.Errorf("config %s: unsupported file extension: %w", path, ErrInvalid)
	}
}

// ParseHCL decodes an HCL run description. Expressions may reference
// environment variables as env.NAME and call a few string and numeric
// functions.
func ParseHCL(src []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}
	var raw hclFile
	if diags := gohcl.DecodeBody(file.Body, evalContext(), &raw); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}
	return finish(raw.config())
}

// ParseYAML decodes a YAML run description. ${NAME} references are
// expanded from the environment before decoding; unknown keys are errors.
func ParseYAML(src []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(src))
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	var c Config
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode YAML: %w", err)
	}
	return finish(&c)
}

func finish(c *Config) (*Config, error) {
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func evalContext() *hcl.EvalContext {
	env := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		env[k] = cty.StringVal(v)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(env),
		},
		Functions: map[string]function.Function{
			"format": stdlib.FormatFunc,
			"lower":  stdlib.LowerFunc,
			"upper":  stdlib.UpperFunc,
			"min":    stdlib.MinFunc,
			"max":    stdlib.MaxFunc,
		},
	}
}
