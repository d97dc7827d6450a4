package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	_ "github.com/23skdu/longbow-quant/internal/operator/dequantize"
	_ "github.com/23skdu/longbow-quant/internal/operator/quantize"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	var (
		logLevel   string
		enableOTel bool
		shutdown   func(context.Context) error
	)

	app := &cli.Command{
		Name:  "quantize",
		Usage: "Run, calibrate and serve tensor quantization graphs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Value:       "info",
				Sources:     cli.EnvVars("QUANT_LOG_LEVEL"),
				Destination: &logLevel,
			},
			&cli.BoolFlag{
				Name:        "otel",
				Usage:       "enable OpenTelemetry tracing (stdout)",
				Sources:     cli.EnvVars("QUANT_OTEL"),
				Destination: &enableOTel,
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			level, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return ctx, fmt.Errorf("invalid --log-level: %w", err)
			}
			zerolog.SetGlobalLevel(level)
			if enableOTel {
				if shutdown, err = initTracer(); err != nil {
					return ctx, fmt.Errorf("initialize tracer: %w", err)
				}
			}
			return ctx, nil
		},
		After: func(ctx context.Context, cmd *cli.Command) error {
			if shutdown != nil {
				return shutdown(context.Background())
			}
			return nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			runCmd(),
			calibrateCmd(),
			serveCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Error().Err(err).Msg("quantize failed")
		os.Exit(1)
	}
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("longbow-quant"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
