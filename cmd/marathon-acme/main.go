// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command marathon-acme watches a Marathon cluster's app labels,
// issues ACME certificates for the domains it finds, stores them, and
// signals marathon-lb to reload whenever the set changes.
package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	vaultapi "github.com/hashicorp/vault/api"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/praekeltfoundation/marathon-acme/acmeservice"
	"github.com/praekeltfoundation/marathon-acme/certstore"
	"github.com/praekeltfoundation/marathon-acme/certstore/dirstore"
	"github.com/praekeltfoundation/marathon-acme/certstore/vaultstore"
	"github.com/praekeltfoundation/marathon-acme/challenge"
	"github.com/praekeltfoundation/marathon-acme/config"
	"github.com/praekeltfoundation/marathon-acme/health"
	"github.com/praekeltfoundation/marathon-acme/marathonclient"
	"github.com/praekeltfoundation/marathon-acme/marathonlb"
	"github.com/praekeltfoundation/marathon-acme/metrics"
	"github.com/praekeltfoundation/marathon-acme/orchestrator"
	"github.com/praekeltfoundation/marathon-acme/reconcile"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var fl config.Flags
	var marathonTimeout, sseTimeout int

	root := &cobra.Command{
		Use:   "marathon-acme <storage-path>",
		Short: "Automate ACME certificates for Marathon apps behind marathon-lb",
		Long: `marathon-acme watches a Marathon cluster's /v2/events stream for app
changes, extracts the domains apps request via MARATHON_ACME_<n>_DOMAIN
labels, issues ACME certificates for any domain it doesn't already hold
one for, stores them (on disk or in Vault), and signals marathon-lb to
reload once any certificate changed.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, posArgs []string) error {
			fl.StoragePath = posArgs[0]
			cfg, err := config.Validate(fl, cmd.Flags().Changed("sse-timeout"))
			if err != nil {
				return cliError{err}
			}
			if err := runServer(cmd.Context(), cfg); err != nil {
				return runtimeError{err}
			}
			return nil
		},
	}

	flags := root.Flags()
	flags.StringVar(&fl.ACME, "acme", "", "ACME directory URL")
	flags.StringVar(&fl.Email, "email", "", "ACME registration contact address")
	flags.StringVar(&fl.Marathon, "marathon", "", "comma-separated Marathon endpoints")
	flags.StringVar(&fl.LB, "lb", "", "comma-separated marathon-lb endpoints")
	flags.StringVar(&fl.Group, "group", "", "HAProxy group filter")
	flags.BoolVar(&fl.AllowMultipleCerts, "allow-multiple-certs", false, "allow multiple certs per app")
	flags.StringVar(&fl.Listen, "listen", "", "public bind address")
	flags.IntVar(&marathonTimeout, "marathon-timeout", 0, "Marathon REST timeout in seconds")
	flags.IntVar(&sseTimeout, "sse-timeout", 0, "Marathon SSE idle timeout in seconds, 0 disables")
	flags.StringVar(&fl.LogLevel, "log-level", "", "log level: debug, info, warn, error, critical")
	flags.BoolVar(&fl.Vault, "vault", false, "use Vault as the certificate store")

	root.PreRunE = func(cmd *cobra.Command, posArgs []string) error {
		fl.MarathonTimeout = marathonTimeout
		fl.SSETimeout = sseTimeout
		return nil
	}

	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		if rerr, ok := err.(runtimeError); ok {
			fmt.Fprintln(os.Stderr, rerr.err)
			return 1
		}
		// flag parsing, argument count, and config validation errors
		// are all CLI/config errors.
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	return 0
}

// cliError marks an error as a CLI/config validation failure, mapped
// to exit code 2.
type cliError struct{ err error }

func (e cliError) Error() string { return e.err.Error() }

// runtimeError marks an error surfaced after the server actually
// started running, mapped to exit code 1.
type runtimeError struct{ err error }

func (e runtimeError) Error() string { return e.err.Error() }

func runServer(ctx context.Context, cfg config.Config) error {
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, accountKey, err := buildStore(cfg, log)
	if err != nil {
		return fmt.Errorf("marathon-acme: %w", err)
	}

	responder := challenge.New()

	acmeSvc, err := acmeservice.NewAcmezService(ctx, acmeservice.Config{
		DirectoryURL: cfg.ACMEDirectory,
		Email:        cfg.Email,
		HTTPClient:   http.DefaultClient,
		Responder:    responder,
		Logger:       log.Named("acmeservice"),
		AccountKey:   accountKey,
	})
	if err != nil {
		return fmt.Errorf("marathon-acme: bootstrapping ACME account: %w", err)
	}

	marathonClient, err := marathonclient.New(cfg.MarathonEndpoints,
		marathonclient.WithTimeout(cfg.MarathonTimeout),
		marathonclient.WithLogger(log.Named("marathonclient")))
	if err != nil {
		return fmt.Errorf("marathon-acme: %w", err)
	}

	lbClient, err := marathonlb.New(cfg.LBEndpoints,
		marathonlb.WithLogger(log.Named("marathonlb")))
	if err != nil {
		return fmt.Errorf("marathon-acme: %w", err)
	}

	reconciler := &reconcile.Reconciler{
		Marathon:           marathonClient,
		Store:              store,
		ACME:               acmeSvc,
		LB:                 lbClient,
		Group:              cfg.Group,
		AllowMultipleCerts: cfg.AllowMultipleCerts,
		Log:                log.Named("reconcile"),
		Metrics:            metrics.New(),
	}

	orch := orchestrator.New(marathonClient, reconciler, orchestrator.Config{
		SSETimeout: cfg.SSETimeout,
	}, log.Named("orchestrator"))

	healthReporter := newHealthReporter(orch, acmeSvc)
	router := chi.NewRouter()
	router.Handle("/.well-known/acme-challenge/*", responder)
	router.Handle("/health", healthReporter)
	router.Handle("/metrics", reconciler.Metrics.Handler())

	httpServer := &http.Server{Addr: cfg.Listen, Handler: router}
	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- httpServer.ListenAndServe()
	}()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- orch.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		orch.Stop()
		_ = httpServer.Close()
		return nil
	case err := <-serveErrCh:
		if err != nil && err != http.ErrServerClosed {
			orch.Stop()
			return fmt.Errorf("marathon-acme: serving HTTP: %w", err)
		}
		return nil
	case err := <-runErrCh:
		_ = httpServer.Close()
		return err
	}
}

// newHealthReporter adapts orchestrator.Orchestrator and acmeservice.Service
// into health.Reporter's named Checker registry.
func newHealthReporter(orch *orchestrator.Orchestrator, acme acmeservice.Service) *health.Reporter {
	r := health.NewReporter()
	r.Register("orchestrator", orch)
	r.Register("acme", acmeChecker{acme})
	return r
}

type acmeChecker struct {
	svc acmeservice.Service
}

func (c acmeChecker) Healthy() (bool, string) {
	if !c.svc.Ready() {
		return false, "ACME account not yet ready"
	}
	return true, ""
}

func buildStore(cfg config.Config, log *zap.Logger) (certstore.Store, *ecdsa.PrivateKey, error) {
	if !cfg.Vault {
		dstore, err := dirstore.New(cfg.StoragePath)
		if err != nil {
			return nil, nil, err
		}
		accountKey, err := dstore.LoadOrCreateAccountKey()
		if err != nil {
			return nil, nil, err
		}
		if err := dstore.EnsureDefaultBundle(); err != nil {
			return nil, nil, err
		}
		return dstore, accountKey, nil
	}

	vcfg := vaultapi.DefaultConfig()
	if cfg.VaultEnv.Addr != "" {
		vcfg.Address = cfg.VaultEnv.Addr
	}
	tlsCfg := vaultapi.TLSConfig{
		CACert:        cfg.VaultEnv.CACert,
		ClientCert:    cfg.VaultEnv.ClientCert,
		ClientKey:     cfg.VaultEnv.ClientKey,
		TLSServerName: cfg.VaultEnv.TLSServerName,
		Insecure:      cfg.VaultEnv.SkipVerifySet && cfg.VaultEnv.SkipVerify,
	}
	if err := vcfg.ConfigureTLS(&tlsCfg); err != nil {
		return nil, nil, fmt.Errorf("configuring Vault TLS: %w", err)
	}

	client, err := vaultapi.NewClient(vcfg)
	if err != nil {
		return nil, nil, fmt.Errorf("building Vault client: %w", err)
	}
	if cfg.VaultEnv.Token != "" {
		client.SetToken(cfg.VaultEnv.Token)
	}

	return vaultstore.New(client, cfg.StoragePath, vaultstore.WithLogger(log.Named("vaultstore"))), nil, nil
}

func newLogger(level config.LogLevel) (*zap.Logger, error) {
	zapLevel, err := zapLevelFor(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zcfg.EncoderConfig.TimeKey = "ts"
	return zcfg.Build()
}

func zapLevelFor(level config.LogLevel) (zapcore.Level, error) {
	switch level {
	case config.LogLevelDebug:
		return zapcore.DebugLevel, nil
	case config.LogLevelInfo, "":
		return zapcore.InfoLevel, nil
	case config.LogLevelWarn:
		return zapcore.WarnLevel, nil
	case config.LogLevelError:
		return zapcore.ErrorLevel, nil
	case config.LogLevelCritical:
		return zapcore.DPanicLevel, nil
	default:
		return 0, fmt.Errorf("marathon-acme: unknown log level %q", level)
	}
}
