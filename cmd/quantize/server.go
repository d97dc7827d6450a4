package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-quant/internal/calibrate"
	"github.com/23skdu/longbow-quant/internal/operator"
	"github.com/23skdu/longbow-quant/internal/operator/quantize"
	"github.com/23skdu/longbow-quant/internal/primitive"
	"github.com/23skdu/longbow-quant/internal/tensor"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quant_server_requests_total",
		Help: "Quantize requests by HTTP status",
	}, []string{"code"})

	elementsQuantized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quant_server_elements_total",
		Help: "The total number of elements quantized by the server",
	})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quant_server_request_duration_seconds",
		Help:    "Time spent processing quantize requests",
		Buckets: prometheus.DefBuckets,
	})
)

var tracer = otel.Tracer("longbow-quant/server")

// quantizeRequest is the CBOR body of POST /quantize. Shape defaults to a
// vector of all values. Min and max are optional; integer targets measure
// them from the values when absent.
type quantizeRequest struct {
	Values []float32 `cbor:"values"`
	Shape  []int     `cbor:"shape,omitempty"`
	Min    []float32 `cbor:"min,omitempty"`
	Max    []float32 `cbor:"max,omitempty"`
}

type quantizeResponse struct {
	DType      string    `cbor:"dtype"`
	Shape      []int     `cbor:"shape"`
	Scales     []float32 `cbor:"scales"`
	ZeroPoints []int32   `cbor:"zero_points,omitempty"`
	Data       []byte    `cbor:"data"`
}

type serverConfig struct {
	dtype         tensor.DType
	axis          int
	perChannel    bool
	reduceRange   bool
	maxConcurrent int64
}

type Server struct {
	cfg  serverConfig
	exec primitive.Executor
	sem  *semaphore.Weighted
}

func NewServer(cfg serverConfig, exec primitive.Executor) *Server {
	if cfg.maxConcurrent <= 0 {
		cfg.maxConcurrent = 1
	}
	return &Server{
		cfg:  cfg,
		exec: exec,
		sem:  semaphore.NewWeighted(cfg.maxConcurrent),
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/quantize", s.handleQuantize)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func serveCmd() *cli.Command {
	var (
		listenAddr    string
		dtypeName     string
		axis          int64
		reduceRange   bool
		maxConcurrent int64
		workers       int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve quantization over HTTP (CBOR bodies)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "listen",
				Usage:       "address to listen on",
				Value:       ":8080",
				Sources:     cli.EnvVars("QUANT_LISTEN"),
				Destination: &listenAddr,
			},
			&cli.StringFlag{
				Name:        "dtype",
				Usage:       "target dtype (fp32, bf16, s8, u8)",
				Value:       "u8",
				Destination: &dtypeName,
			},
			&cli.Int64Flag{
				Name:        "per-channel-axis",
				Usage:       "quantize per channel along this axis",
				Destination: &axis,
			},
			&cli.BoolFlag{
				Name:        "reduce-range",
				Usage:       "narrow the u8 range to [0, 127]",
				Destination: &reduceRange,
			},
			&cli.Int64Flag{
				Name:        "max-concurrent",
				Usage:       "maximum number of requests quantized at once",
				Value:       64,
				Sources:     cli.EnvVars("QUANT_MAX_CONCURRENT"),
				Destination: &maxConcurrent,
			},
			&cli.Int64Flag{
				Name:        "workers",
				Usage:       "kernel worker goroutines (0 = NumCPU)",
				Destination: &workers,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dt, err := tensor.ParseDType(dtypeName)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			srv := NewServer(serverConfig{
				dtype:         dt,
				axis:          int(axis),
				perChannel:    cmd.IsSet("per-channel-axis"),
				reduceRange:   reduceRange,
				maxConcurrent: maxConcurrent,
			}, primitive.NewCPUExecutor(int(workers)))

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.listen(ctx, listenAddr)
		},
	}
}

func (s *Server) listen(ctx context.Context, addr string) error {
	hs := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", addr).
			Str("dtype", s.cfg.dtype.String()).
			Int64("max_concurrent", s.cfg.maxConcurrent).
			Msg("Starting quantize server")
		errCh <- hs.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log.Info().Msg("Shutting down quantize server")
	return hs.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleQuantize(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleQuantize")
	defer span.End()

	start := time.Now()
	code := http.StatusOK
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
		requestsTotal.WithLabelValues(fmt.Sprint(code)).Inc()
	}()
	fail := func(status int, err error) {
		code = status
		span.RecordError(err)
		http.Error(w, err.Error(), status)
	}

	if r.Method != http.MethodPost {
		fail(http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	var req quantizeRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(http.StatusBadRequest, fmt.Errorf("bad request (CBOR decode): %w", err))
		return
	}
	if len(req.Values) == 0 {
		fail(http.StatusBadRequest, errors.New("bad request: no values"))
		return
	}
	shape := req.Shape
	if len(shape) == 0 {
		shape = []int{len(req.Values)}
	}
	for _, d := range shape {
		if d < 0 {
			fail(http.StatusBadRequest, fmt.Errorf("bad request: negative dimension in shape %v", shape))
			return
		}
	}
	if tensor.NumElements(shape) != len(req.Values) {
		fail(http.StatusBadRequest, fmt.Errorf("bad request: %d values do not fill shape %v", len(req.Values), shape))
		return
	}

	span.SetAttributes(
		attribute.Int("element_count", len(req.Values)),
		attribute.String("dtype", s.cfg.dtype.String()),
	)

	// Admission Control
	if err := s.sem.Acquire(ctx, 1); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		fail(http.StatusServiceUnavailable, errors.New("server busy"))
		return
	}
	defer s.sem.Release(1)

	resp, err := s.quantize(req, shape)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, operator.ErrShape) || errors.Is(err, operator.ErrConfig) || errors.Is(err, calibrate.ErrNoData) {
			status = http.StatusBadRequest
		}
		fail(status, err)
		return
	}
	elementsQuantized.Add(float64(len(req.Values)))

	data, err := cbor.Marshal(resp)
	if err != nil {
		fail(http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// quantize runs a fresh Quantize operator over one request.
func (s *Server) quantize(req quantizeRequest, shape []int) (*quantizeResponse, error) {
	attrs := map[string]any{quantize.KeyOutputDType: s.cfg.dtype.String()}
	if s.cfg.perChannel {
		attrs[quantize.KeyPerChannelAxis] = s.cfg.axis
	}
	if s.cfg.reduceRange {
		attrs[quantize.KeyReduceRange] = true
	}
	op := quantize.New(operator.Config{Name: "serve", Type: quantize.TypeName, Attrs: attrs}, quantize.WithExecutor(s.exec))

	src := tensor.FromFloat32("values", req.Values, shape...)
	inputs := []*tensor.Tensor{src}
	if s.cfg.dtype.IsInteger() {
		mins, maxs := req.Min, req.Max
		if mins == nil && maxs == nil {
			var opts []calibrate.Option
			if s.cfg.perChannel {
				opts = append(opts, calibrate.PerChannel(s.cfg.axis))
			}
			o := calibrate.NewMinMax(opts...)
			if err := o.Observe(src); err != nil {
				return nil, err
			}
			var err error
			if mins, maxs, err = o.Range(); err != nil {
				return nil, err
			}
		}
		inputs = append(inputs, rangeTensor("min", mins), rangeTensor("max", maxs))
	}

	dst := tensor.Empty("quantized")
	outputs := []*tensor.Tensor{dst}
	if err := op.Prepare(inputs, outputs); err != nil {
		return nil, err
	}
	if err := op.Reshape(inputs, outputs); err != nil {
		return nil, err
	}
	if err := op.Forward(inputs, outputs); err != nil {
		return nil, err
	}
	return &quantizeResponse{
		DType:      dst.DType().String(),
		Shape:      dst.Shape(),
		Scales:     dst.Scales(),
		ZeroPoints: dst.ZeroPoints(),
		Data:       dst.Bytes(),
	}, nil
}

// rangeTensor returns nil for an absent range so the operator reports it.
func rangeTensor(name string, vals []float32) *tensor.Tensor {
	if vals == nil {
		return nil
	}
	return tensor.FromFloat32(name, vals)
}
