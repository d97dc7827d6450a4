// Package config loads and saves graph description files.
//
// A graph file lists named graph inputs and outputs and the nodes that connect
// them, in execution order. The encoding is chosen by file extension: .yaml
// and .yml use YAML, .cbor uses CBOR and .json uses JSON.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-quant/internal/operator"
)

// Format is a graph file encoding.
type Format string

const (
	YAML Format = "yaml"
	CBOR Format = "cbor"
	JSON Format = "json"
)

// ErrUnknownFormat is returned for file extensions with no known encoding.
var ErrUnknownFormat = errors.New("config: unknown file format")

// Graph describes an execution graph.
type Graph struct {
	Name    string   `yaml:"name" json:"name" cbor:"name"`
	Inputs  []string `yaml:"inputs" json:"inputs" cbor:"inputs"`
	Outputs []string `yaml:"outputs" json:"outputs" cbor:"outputs"`
	Nodes   []Node   `yaml:"nodes" json:"nodes" cbor:"nodes"`
}

// Node is one operator of a graph. An empty input name leaves that slot
// absent.
type Node struct {
	Name    string         `yaml:"name" json:"name" cbor:"name"`
	Type    string         `yaml:"type" json:"type" cbor:"type"`
	Inputs  []string       `yaml:"inputs" json:"inputs" cbor:"inputs"`
	Outputs []string       `yaml:"outputs" json:"outputs" cbor:"outputs"`
	Attrs   map[string]any `yaml:"attrs,omitempty" json:"attrs,omitempty" cbor:"attrs,omitempty"`
}

// Operator returns the operator configuration of the node.
func (n Node) Operator() operator.Config {
	return operator.Config{Name: n.Name, Type: n.Type, Attrs: n.Attrs}
}

// Node returns the node with the given name.
func (g *Graph) Node(name string) (*Node, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].Name == name {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}

// Validate checks names and wiring: node names are unique, every tensor has a
// single producer, and every consumed tensor is produced before it is used.
func (g *Graph) Validate() error {
	if len(g.Nodes) == 0 {
		return fmt.Errorf("config: graph %q has no nodes", g.Name)
	}
	produced := make(map[string]string, len(g.Inputs))
	for _, in := range g.Inputs {
		if in == "" {
			return fmt.Errorf("config: graph %q has an unnamed input", g.Name)
		}
		if _, dup := produced[in]; dup {
			return fmt.Errorf("config: graph input %q declared twice", in)
		}
		produced[in] = "graph input"
	}
	names := make(map[string]bool, len(g.Nodes))
	for i, n := range g.Nodes {
		if n.Name == "" {
			return fmt.Errorf("config: node %d has no name", i)
		}
		if names[n.Name] {
			return fmt.Errorf("config: node name %q used twice", n.Name)
		}
		names[n.Name] = true
		if n.Type == "" {
			return fmt.Errorf("config: node %q has no type", n.Name)
		}
		for _, in := range n.Inputs {
			if in == "" {
				continue
			}
			if _, ok := produced[in]; !ok {
				return fmt.Errorf("config: node %q consumes %q before it is produced", n.Name, in)
			}
		}
		if len(n.Outputs) == 0 {
			return fmt.Errorf("config: node %q has no outputs", n.Name)
		}
		for _, out := range n.Outputs {
			if by, dup := produced[out]; dup {
				return fmt.Errorf("config: node %q writes %q, already produced by %s", n.Name, out, by)
			}
			produced[out] = "node " + n.Name
		}
	}
	for _, out := range g.Outputs {
		if _, ok := produced[out]; !ok {
			return fmt.Errorf("config: graph output %q is never produced", out)
		}
	}
	return nil
}

// FormatOf returns the encoding implied by a file name.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return YAML, nil
	case ".cbor":
		return CBOR, nil
	case ".json":
		return JSON, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, path)
}

// Load reads and validates a graph file.
func Load(path string) (*Graph, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	g, err := Decode(data, format)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return g, nil
}

// Decode parses and validates graph data.
func Decode(data []byte, format Format) (*Graph, error) {
	var g Graph
	var err error
	switch format {
	case YAML:
		err = yaml.Unmarshal(data, &g)
	case CBOR:
		err = cbor.Unmarshal(data, &g)
	case JSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		err = dec.Decode(&g)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", format, err)
	}
	normalizeAttrs(&g)
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Encode serializes a graph.
func Encode(g *Graph, format Format) ([]byte, error) {
	switch format {
	case YAML:
		return yaml.Marshal(g)
	case CBOR:
		return cbor.Marshal(g)
	case JSON:
		return json.MarshalIndent(g, "", "  ")
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

// Save writes a graph file in the encoding implied by its extension.
func Save(path string, g *Graph) error {
	format, err := FormatOf(path)
	if err != nil {
		return err
	}
	data, err := Encode(g, format)
	if err != nil {
		return fmt.Errorf("config: encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// normalizeAttrs rewrites decoder specific scalar types into the types
// operator.Config understands.
func normalizeAttrs(g *Graph) {
	for i := range g.Nodes {
		for k, v := range g.Nodes[i].Attrs {
			g.Nodes[i].Attrs[k] = normalize(v)
		}
	}
}

func normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case uint64:
		return float64(x)
	case int64:
		return float64(x)
	case []any:
		for i := range x {
			x[i] = normalize(x[i])
		}
		return x
	}
	return v
}
