package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/fpang/clinical-session-insights/internal/config"
	"github.com/fpang/clinical-session-insights/internal/logging"
	"github.com/fpang/clinical-session-insights/internal/metrics"
	"github.com/fpang/clinical-session-insights/internal/store"
)

const serviceName = "session-server"

// app holds the resources shared by every subcommand.
type app struct {
	cfg     config.Config
	store   store.SessionStore
	closers []func() error
}

func (a *app) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			log.Warn().Err(err).Msg("Failed to release resource")
		}
	}
}

// bootstrap loads configuration, initializes logging and metrics, resolves
// the Gemini key and opens the configured store.
func bootstrap(ctx context.Context, startup *logging.StartupLogger) (*app, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, err
	}
	logging.Init(cfg.Logging.Level, cfg.Logging.Format)
	metrics.Configure(os.Stdout, serviceName, cfg.Metrics.Enabled)

	a := &app{cfg: cfg}

	// AWS is only needed for DynamoDB and SSM.
	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg != nil {
			return *awsCfg, nil
		}
		c, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
		}
		log.Debug().Str("region", c.Region).Msg("AWS config loaded")
		awsCfg = &c
		return c, nil
	}

	keyFromSSM := a.cfg.Gemini.APIKey == "" && a.cfg.Gemini.SSMParam != ""
	if keyFromSSM {
		c, err := loadAWS()
		if err != nil {
			return nil, err
		}
		if err := a.cfg.ResolveGeminiKey(ctx, ssm.NewFromConfig(c)); err != nil {
			return nil, err
		}
		startup.SSMParam("geminiKey", a.cfg.Gemini.SSMParam)
	}

	switch a.cfg.Store.Backend {
	case config.BackendDynamo:
		c, err := loadAWS()
		if err != nil {
			return nil, err
		}
		a.store = store.NewDynamoStore(dynamodb.NewFromConfig(c), a.cfg.Store.Table)
		startup.DynamoTable("sessions", a.cfg.Store.Table)
	default:
		s, err := store.OpenSQLite(a.cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.store = s
		a.closers = append(a.closers, s.Close)
		startup.Database("sessions", a.cfg.Store.SQLitePath)
	}

	startup.Version(version).
		Config("storeBackend", a.cfg.Store.Backend).
		Feature("gemini", a.cfg.Gemini.APIKey != "").
		Feature("ssmKey", keyFromSSM).
		Feature("metrics", a.cfg.Metrics.Enabled)
	return a, nil
}
