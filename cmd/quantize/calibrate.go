package main

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-quant/internal/calibrate"
	"github.com/23skdu/longbow-quant/internal/config"
	"github.com/23skdu/longbow-quant/internal/operator/quantize"
	"github.com/23skdu/longbow-quant/internal/tensor"
)

type calibrateOptions struct {
	graphPath   string
	inputPath   string
	nodeName    string
	algorithm   string
	dtype       string
	outPath     string
	constant    float64
	bins        int
	// reduceRange overrides the node attribute and the host default when set.
	reduceRange *bool
}

func calibrateCmd() *cli.Command {
	var (
		opts        calibrateOptions
		reduceRange bool
	)

	return &cli.Command{
		Name:  "calibrate",
		Usage: "Observe representative tensors and store static scales on a Quantize node",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "graph",
				Aliases:     []string{"g"},
				Usage:       "path to graph file (.yaml, .json, .cbor)",
				Sources:     cli.EnvVars("QUANT_GRAPH"),
				Required:    true,
				Destination: &opts.graphPath,
			},
			&cli.StringFlag{
				Name:        "input",
				Aliases:     []string{"i"},
				Usage:       "Arrow IPC stream of calibration tensors (- for stdin)",
				Value:       "-",
				Destination: &opts.inputPath,
			},
			&cli.StringFlag{
				Name:        "node",
				Usage:       "Quantize node to calibrate (default: first Quantize node)",
				Destination: &opts.nodeName,
			},
			&cli.StringFlag{
				Name:        "algorithm",
				Usage:       "observer algorithm (minmax, moving_average, kl)",
				Value:       "minmax",
				Destination: &opts.algorithm,
			},
			&cli.IntFlag{
				Name:        "bins",
				Usage:       "kl histogram bin count",
				Value:       calibrate.DefaultBins,
				Destination: &opts.bins,
			},
			&cli.FloatFlag{
				Name:        "averaging-constant",
				Usage:       "moving_average update weight",
				Value:       calibrate.DefaultAveragingConstant,
				Destination: &opts.constant,
			},
			&cli.StringFlag{
				Name:        "dtype",
				Usage:       "target dtype (s8, u8); defaults to the node's output_dtype",
				Destination: &opts.dtype,
			},
			&cli.BoolFlag{
				Name:        "reduce-range",
				Usage:       "narrow the u8 range to [0, 127] (default: on for u8 without AVX512-VNNI)",
				Destination: &reduceRange,
			},
			&cli.StringFlag{
				Name:        "out",
				Usage:       "write the calibrated graph to file (default: YAML on stdout)",
				Destination: &opts.outPath,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.IsSet("reduce-range") {
				opts.reduceRange = &reduceRange
			}
			cfg, err := calibrateGraph(opts)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if opts.outPath == "" {
				data, err := config.Encode(cfg, config.YAML)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: encode graph: %v", err), 1)
				}
				_, err = os.Stdout.Write(data)
				return err
			}
			if err := config.Save(opts.outPath, cfg); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			log.Info().Str("path", opts.outPath).Msg("Wrote calibrated graph")
			return nil
		},
	}
}

// calibrateGraph returns the graph with the chosen Quantize node switched to
// static scales. The node's min and max inputs are removed, along with graph
// inputs nothing consumes any more.
func calibrateGraph(opts calibrateOptions) (*config.Graph, error) {
	cfg, err := config.Load(opts.graphPath)
	if err != nil {
		return nil, err
	}
	node, err := quantizeNode(cfg, opts.nodeName)
	if err != nil {
		return nil, err
	}
	opCfg := node.Operator()

	dtName := opts.dtype
	if dtName == "" {
		if dtName, err = opCfg.String(quantize.KeyOutputDType, ""); err != nil {
			return nil, err
		}
	}
	dt, err := tensor.ParseDType(dtName)
	if err != nil {
		return nil, fmt.Errorf("node %q: %w", node.Name, err)
	}
	if !dt.IsInteger() {
		return nil, fmt.Errorf("node %q: calibration needs an s8 or u8 target, got %s", node.Name, dt)
	}
	reduceRange := calibrate.DefaultReduceRange(dt)
	switch {
	case opts.reduceRange != nil:
		reduceRange = *opts.reduceRange
	case opCfg.Has(quantize.KeyReduceRange):
		if reduceRange, err = opCfg.Bool(quantize.KeyReduceRange, false); err != nil {
			return nil, err
		}
	}

	obsOpts := []calibrate.Option{
		calibrate.WithAveragingConstant(float32(opts.constant)),
		calibrate.WithBins(opts.bins),
	}
	axis, perChannel, err := opCfg.Int(quantize.KeyPerChannelAxis)
	if err != nil {
		return nil, err
	}
	if perChannel {
		obsOpts = append(obsOpts, calibrate.PerChannel(axis))
	}
	obs, err := calibrate.New(opts.algorithm, obsOpts...)
	if err != nil {
		return nil, err
	}

	samples, err := readTensors(opts.inputPath, memory.NewGoAllocator(), "calib")
	if err != nil {
		return nil, err
	}
	for _, t := range samples {
		if err := obs.Observe(t); err != nil {
			return nil, err
		}
	}

	attrs, err := calibrate.Attrs(obs, dt, reduceRange)
	if err != nil {
		return nil, fmt.Errorf("node %q: %w", node.Name, err)
	}
	merged := maps.Clone(node.Attrs)
	if merged == nil {
		merged = make(map[string]any, len(attrs))
	}
	for _, k := range []string{quantize.KeyScales, quantize.KeyZeroPoints, quantize.KeyReduceRange, quantize.KeyPerChannelAxis} {
		delete(merged, k)
	}
	maps.Copy(merged, attrs)
	node.Attrs = merged
	if len(node.Inputs) > 1 {
		node.Inputs = node.Inputs[:1]
	}
	pruneInputs(cfg)

	log.Info().
		Str("node", node.Name).
		Str("algorithm", opts.algorithm).
		Str("dtype", dt.String()).
		Bool("reduce_range", reduceRange).
		Int("samples", len(samples)).
		Msg("Calibrated quantize node")
	return cfg, cfg.Validate()
}

func quantizeNode(cfg *config.Graph, name string) (*config.Node, error) {
	if name != "" {
		n, ok := cfg.Node(name)
		if !ok {
			return nil, fmt.Errorf("graph %q has no node %q", cfg.Name, name)
		}
		if n.Type != quantize.TypeName {
			return nil, fmt.Errorf("node %q is %s, not %s", name, n.Type, quantize.TypeName)
		}
		return n, nil
	}
	for i := range cfg.Nodes {
		if cfg.Nodes[i].Type == quantize.TypeName {
			return &cfg.Nodes[i], nil
		}
	}
	return nil, fmt.Errorf("graph %q has no %s node", cfg.Name, quantize.TypeName)
}

func pruneInputs(cfg *config.Graph) {
	used := make(map[string]bool)
	for _, n := range cfg.Nodes {
		for _, in := range n.Inputs {
			used[in] = true
		}
	}
	for _, out := range cfg.Outputs {
		used[out] = true
	}
	cfg.Inputs = slices.DeleteFunc(cfg.Inputs, func(in string) bool { return !used[in] })
}
