package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/joho/godotenv"
	"go.uber.org/fx"

	"flodrama-edge-proxy/internal/apigw"
	"flodrama-edge-proxy/internal/app"
	"flodrama-edge-proxy/internal/config"
	"flodrama-edge-proxy/internal/service"
)

// Set by goreleaser ldflags.
var version = "dev"

// Event payload formats.
const (
	formatREST = "rest"
	formatHTTP = "http"
)

type cli struct {
	config.CLI `kong:"embed"`

	EventFormat string `kong:"name='event-format',help='API Gateway payload: rest (v1, Netlify) or http (v2).',enum='rest,http',default='rest',env='LAMBDA_EVENT_FORMAT'"`
}

func main() {
	_ = godotenv.Load()

	var args cli
	kong.Parse(&args,
		kong.Name("flodrama-lambda"),
		kong.Description("FloDrama CORS proxy as an AWS Lambda function."),
		kong.Vars{"version": version},
	)

	var h *apigw.Handler
	var logger *slog.Logger
	fxApp := fx.New(
		fx.Supply(&args.CLI),
		app.Module,
		app.WithLogger(),
		fx.Provide(
			func(svc *service.ProxyService) apigw.Relay { return svc },
			apigw.NewHandler,
		),
		fx.Populate(&h, &logger),
	)
	if err := fxApp.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "flodrama-lambda: %v\n", err)
		os.Exit(1)
	}

	logger.Info("starting lambda handler", "version", version, "event_format", args.EventFormat)

	switch args.EventFormat {
	case formatHTTP:
		lambda.Start(h.HandleHTTP)
	default:
		lambda.Start(h.HandleREST)
	}
}
