package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-quant/internal/calibrate"
	"github.com/23skdu/longbow-quant/internal/config"
	"github.com/23skdu/longbow-quant/internal/executor"
	"github.com/23skdu/longbow-quant/internal/operator/quantize"
	"github.com/23skdu/longbow-quant/internal/tensor"
	"github.com/23skdu/longbow-quant/internal/tensorio"
)

type runOptions struct {
	graphPath  string
	inputPath  string
	outputPath string
	tensorName string
	reportPath string
	duration   time.Duration
}

type tensorReport struct {
	Name       string    `json:"name"`
	DType      string    `json:"dtype"`
	Shape      []int     `json:"shape"`
	Scales     []float32 `json:"scales,omitempty"`
	ZeroPoints []int32   `json:"zero_points,omitempty"`
}

type runReport struct {
	Graph    string         `json:"graph"`
	Runs     int            `json:"runs"`
	Elements int64          `json:"elements"`
	Elapsed  float64        `json:"elapsed_seconds"`
	Outputs  []tensorReport `json:"outputs"`
}

func runCmd() *cli.Command {
	var opts runOptions

	return &cli.Command{
		Name:  "run",
		Usage: "Run a graph over every tensor of an Arrow IPC stream",
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
				Usage:       "Arrow IPC stream of source tensors (- for stdin)",
				Value:       "-",
				Destination: &opts.inputPath,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "write the selected graph output as an Arrow IPC stream (- for stdout)",
				Destination: &opts.outputPath,
			},
			&cli.StringFlag{
				Name:        "tensor",
				Usage:       "graph output to write (default: first declared output)",
				Destination: &opts.tensorName,
			},
			&cli.StringFlag{
				Name:        "report",
				Usage:       "write a JSON run report to file",
				Destination: &opts.reportPath,
			},
			&cli.DurationFlag{
				Name:        "duration",
				Usage:       "run soak test for specified duration (e.g. 10s, 20m)",
				Destination: &opts.duration,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			report, err := runGraph(ctx, opts)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if opts.reportPath != "" {
				data, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: encode report: %v", err), 1)
				}
				if err := os.WriteFile(opts.reportPath, data, 0o644); err != nil {
					return cli.Exit(fmt.Sprintf("error: write report: %v", err), 1)
				}
			}
			return nil
		},
	}
}

func runGraph(ctx context.Context, opts runOptions) (*runReport, error) {
	cfg, err := config.Load(opts.graphPath)
	if err != nil {
		return nil, err
	}
	selected := opts.tensorName
	if selected == "" && len(cfg.Outputs) > 0 {
		selected = cfg.Outputs[0]
	}

	g, err := executor.FromConfig(cfg)
	if err != nil {
		return nil, err
	}
	defer g.Close()

	mem := memory.NewGoAllocator()
	sources, err := readTensors(opts.inputPath, mem, "input")
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("input %s holds no tensors", opts.inputPath)
	}

	report := &runReport{Graph: cfg.Name}
	results := make([]*tensor.Tensor, 0, len(sources))
	start := time.Now()
	pass := func(keep bool) error {
		for _, src := range sources {
			feeds, err := rangeFeeds(cfg, src)
			if err != nil {
				return err
			}
			res, err := g.Run(ctx, feeds)
			if err != nil {
				return err
			}
			report.Runs++
			report.Elements += int64(src.Len())
			if keep {
				out, ok := res[selected]
				if !ok {
					return fmt.Errorf("graph %q has no output %q", cfg.Name, selected)
				}
				results = append(results, out.Clone(fmt.Sprintf("%s/%d", selected, len(results))))
			}
		}
		return nil
	}

	if err := pass(true); err != nil {
		return nil, err
	}

	if opts.duration > 0 {
		log.Info().Str("duration", opts.duration.String()).Msg("Starting soak test")
		endTime := start.Add(opts.duration)
		for iter := 1; time.Now().Before(endTime); iter++ {
			if err := pass(false); err != nil {
				return nil, err
			}
			if iter%10 == 0 {
				elapsed := time.Since(start)
				log.Info().
					Str("elapsed", elapsed.Round(time.Second).String()).
					Int("iter", iter).
					Int64("total_elements", report.Elements).
					Float64("eps", float64(report.Elements)/elapsed.Seconds()).
					Msg("Soak test progress")
			}
		}
	}

	elapsed := time.Since(start)
	report.Elapsed = elapsed.Seconds()
	log.Info().
		Str("graph", cfg.Name).
		Int("runs", report.Runs).
		Int64("elements", report.Elements).
		Dur("elapsed", elapsed).
		Float64("eps", float64(report.Elements)/elapsed.Seconds()).
		Msg("Graph runs complete")

	for _, t := range results {
		report.Outputs = append(report.Outputs, describe(t))
	}
	if opts.outputPath != "" {
		if err := writeTensors(opts.outputPath, mem, results); err != nil {
			return nil, err
		}
	}
	return report, nil
}

// rangeFeeds binds src to the first graph input. Graphs declaring three
// inputs take per-call min and max tensors; they are measured from src along
// the channel axis of the node that consumes them.
func rangeFeeds(cfg *config.Graph, src *tensor.Tensor) (map[string]*tensor.Tensor, error) {
	if len(cfg.Inputs) == 0 {
		return nil, fmt.Errorf("graph %q declares no inputs", cfg.Name)
	}
	feeds := map[string]*tensor.Tensor{cfg.Inputs[0]: src}
	if len(cfg.Inputs) < 3 {
		return feeds, nil
	}

	var opts []calibrate.Option
	if axis, ok := rangeAxis(cfg, cfg.Inputs[1]); ok {
		opts = append(opts, calibrate.PerChannel(axis))
	}
	o := calibrate.NewMinMax(opts...)
	if err := o.Observe(src); err != nil {
		return nil, err
	}
	mins, maxs, err := o.Range()
	if err != nil {
		return nil, err
	}
	feeds[cfg.Inputs[1]] = tensor.FromFloat32(cfg.Inputs[1], mins)
	feeds[cfg.Inputs[2]] = tensor.FromFloat32(cfg.Inputs[2], maxs)
	return feeds, nil
}

// rangeAxis returns the per-channel axis of the Quantize node reading the
// named min tensor.
func rangeAxis(cfg *config.Graph, minName string) (int, bool) {
	for _, n := range cfg.Nodes {
		if n.Type != quantize.TypeName || len(n.Inputs) < 2 || n.Inputs[1] != minName {
			continue
		}
		axis, ok, err := n.Operator().Int(quantize.KeyPerChannelAxis)
		if err != nil || !ok {
			return 0, false
		}
		return axis, true
	}
	return 0, false
}

func describe(t *tensor.Tensor) tensorReport {
	return tensorReport{
		Name:       t.Name(),
		DType:      t.DType().String(),
		Shape:      t.Shape(),
		Scales:     t.Scales(),
		ZeroPoints: t.ZeroPoints(),
	}
}

func readTensors(path string, mem memory.Allocator, prefix string) ([]*tensor.Tensor, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		r = f
	}
	return tensorio.Read(r, mem, prefix)
}

func writeTensors(path string, mem memory.Allocator, ts []*tensor.Tensor) error {
	if path == "-" {
		return tensorio.Write(os.Stdout, mem, ts)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := tensorio.Write(f, mem, ts); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
