// Package executor runs operator graphs. It owns the tensors flowing between
// nodes, prepares every node once, reshapes a node only when the shapes of its
// inputs change and forwards every node on every run.
package executor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-quant/internal/config"
	"github.com/23skdu/longbow-quant/internal/operator"
	"github.com/23skdu/longbow-quant/internal/tensor"
)

var tracer = otel.Tracer("longbow-quant/executor")

// ErrMissingFeed is returned when a run lacks a declared graph input.
var ErrMissingFeed = errors.New("executor: missing graph input")

// Node binds an operator to named tensors. An empty input name leaves the slot
// absent.
type Node struct {
	Op      operator.Operator
	Inputs  []string
	Outputs []string
}

type node struct {
	Node
	in     []*tensor.Tensor
	out    []*tensor.Tensor
	shapes [][]int
}

// Graph is a sequence of nodes in execution order. Runs are serialized.
type Graph struct {
	name    string
	inputs  []string
	outputs []string
	nodes   []*node
	pool    *tensor.Pool
	owned   map[string]*tensor.Tensor
	logger  zerolog.Logger

	mu       sync.Mutex
	prepared bool
	runs     int
}

// New builds a graph. Every tensor a node consumes must be a graph input or
// the output of an earlier node.
func New(name string, inputs, outputs []string, nodes ...Node) (*Graph, error) {
	g := &Graph{
		name:    name,
		inputs:  slices.Clone(inputs),
		outputs: slices.Clone(outputs),
		pool:    tensor.NewPool(),
		owned:   make(map[string]*tensor.Tensor),
		logger:  log.With().Str("graph", name).Logger(),
	}
	known := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		known[in] = true
	}
	for _, n := range nodes {
		if n.Op == nil {
			return nil, fmt.Errorf("executor: graph %q has a nil operator", name)
		}
		for _, in := range n.Inputs {
			if in != "" && !known[in] {
				return nil, fmt.Errorf("executor: node %q consumes unknown tensor %q", n.Op.Name(), in)
			}
		}
		nd := &node{Node: n, out: make([]*tensor.Tensor, len(n.Outputs))}
		for i, out := range n.Outputs {
			if known[out] {
				return nil, fmt.Errorf("executor: tensor %q produced twice", out)
			}
			known[out] = true
			t := g.pool.Tensor(out)
			g.owned[out] = t
			nd.out[i] = t
		}
		nd.in = make([]*tensor.Tensor, len(n.Inputs))
		g.nodes = append(g.nodes, nd)
	}
	for _, out := range outputs {
		if !known[out] {
			return nil, fmt.Errorf("executor: graph output %q is never produced", out)
		}
	}
	return g, nil
}

// FromConfig builds a graph from a graph file description, creating operators
// through the operator registry.
func FromConfig(cfg *config.Graph) (*Graph, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	nodes := make([]Node, 0, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		op, err := operator.New(n.Operator())
		if err != nil {
			return nil, fmt.Errorf("executor: build node %q: %w", n.Name, err)
		}
		nodes = append(nodes, Node{Op: op, Inputs: n.Inputs, Outputs: n.Outputs})
	}
	return New(cfg.Name, cfg.Inputs, cfg.Outputs, nodes...)
}

func (g *Graph) Name() string { return g.name }

// Inputs returns the declared graph inputs.
func (g *Graph) Inputs() []string { return g.inputs }

// Operator returns the operator of the named node.
func (g *Graph) Operator(name string) (operator.Operator, bool) {
	for _, n := range g.nodes {
		if n.Op.Name() == name {
			return n.Op, true
		}
	}
	return nil, false
}

// Result maps graph output names to tensors owned by the graph. They stay
// valid until the next run.
type Result map[string]*tensor.Tensor

// Run executes every node once. Feeds are borrowed for the duration of the
// call and never modified.
func (g *Graph) Run(ctx context.Context, feeds map[string]*tensor.Tensor) (Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	runID := uuid.New()
	ctx, span := tracer.Start(ctx, "Graph.Run", trace.WithAttributes(
		attribute.String("graph", g.name),
		attribute.String("run_id", runID.String()),
	))
	defer span.End()

	start := time.Now()
	res, err := g.run(ctx, feeds)
	runDuration.WithLabelValues(g.name).Observe(time.Since(start).Seconds())
	if err != nil {
		runsTotal.WithLabelValues(g.name, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.logger.Error().Err(err).Str("run_id", runID.String()).Msg("Graph run failed")
		return nil, err
	}
	runsTotal.WithLabelValues(g.name, "ok").Inc()
	g.runs++
	g.logger.Debug().
		Str("run_id", runID.String()).
		Int("run", g.runs).
		Dur("elapsed", time.Since(start)).
		Msg("Graph run complete")
	return res, nil
}

func (g *Graph) run(ctx context.Context, feeds map[string]*tensor.Tensor) (Result, error) {
	env := make(map[string]*tensor.Tensor, len(g.owned)+len(feeds))
	for _, in := range g.inputs {
		t, ok := feeds[in]
		if !ok || t == nil {
			return nil, fmt.Errorf("%w %q", ErrMissingFeed, in)
		}
		env[in] = t
	}
	for name, t := range g.owned {
		env[name] = t
	}
	for _, n := range g.nodes {
		for i, in := range n.Inputs {
			n.in[i] = env[in]
		}
	}

	if !g.prepared {
		for _, n := range g.nodes {
			if err := n.Op.Prepare(n.in, n.out); err != nil {
				return nil, fmt.Errorf("executor: prepare %s: %w", n.Op.Name(), err)
			}
		}
		g.prepared = true
		g.logger.Info().Int("nodes", len(g.nodes)).Msg("Graph prepared")
	}

	for _, n := range g.nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := g.step(ctx, n); err != nil {
			return nil, err
		}
	}

	res := make(Result, len(g.outputs))
	for _, out := range g.outputs {
		res[out] = env[out]
	}
	return res, nil
}

func (g *Graph) step(ctx context.Context, n *node) error {
	_, span := tracer.Start(ctx, "Node.Forward", trace.WithAttributes(
		attribute.String("node", n.Op.Name()),
		attribute.String("type", n.Op.Type()),
	))
	defer span.End()

	if n.shapesChanged() {
		span.AddEvent("reshape")
		if err := n.Op.Reshape(n.in, n.out); err != nil {
			n.shapes = nil
			span.RecordError(err)
			return fmt.Errorf("executor: reshape %s: %w", n.Op.Name(), err)
		}
		n.recordShapes()
		nodeReshapes.WithLabelValues(g.name, n.Op.Name()).Inc()
	}
	if err := n.Op.Forward(n.in, n.out); err != nil {
		span.RecordError(err)
		return fmt.Errorf("executor: forward %s: %w", n.Op.Name(), err)
	}
	return nil
}

// shapesChanged reports whether any input shape or presence differs from the
// last successful Reshape.
func (n *node) shapesChanged() bool {
	if n.shapes == nil {
		return true
	}
	for i, t := range n.in {
		var shape []int
		if t != nil {
			shape = t.Shape()
		}
		if (shape == nil) != (n.shapes[i] == nil) || !slices.Equal(shape, n.shapes[i]) {
			return true
		}
	}
	return false
}

func (n *node) recordShapes() {
	n.shapes = make([][]int, len(n.in))
	for i, t := range n.in {
		if t != nil {
			n.shapes[i] = slices.Clone(t.Shape())
			if n.shapes[i] == nil {
				n.shapes[i] = []int{}
			}
		}
	}
}

// Close returns every graph-owned tensor to the pool. The graph must not be
// run afterwards.
func (g *Graph) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range g.owned {
		t.Release()
	}
}
