// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/element-hq/receiptstream/internal"
	"github.com/element-hq/receiptstream/internal/caching"
	"github.com/element-hq/receiptstream/receiptapi"
	"github.com/element-hq/receiptstream/receiptapi/api"
	"github.com/element-hq/receiptstream/setup/config"
	"github.com/element-hq/receiptstream/setup/jetstream"
	"github.com/element-hq/receiptstream/setup/process"
)

var (
	configPath = flag.String("config", "receiptstream.yaml", "The path to the config file. For more information, see the config file in this repository.")
	version    = flag.Bool("version", false, "Shows the current version and exits immediately.")
)

const httpServerTimeout = time.Minute * 5

func main() {
	flag.Parse()
	if *version {
		fmt.Println(internal.VersionString())
		os.Exit(0)
	}

	internal.SetupStdLogging()
	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Invalid config file: %s", err)
	}
	internal.SetupHookLogging(cfg.Logging)
	logrus.Infof("Receipt stream version %s", internal.VersionString())

	if cfg.Global.Sentry.Enabled {
		logrus.Info("Setting up Sentry for debugging...")
		err = sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Global.Sentry.DSN,
			Environment:      cfg.Global.Sentry.Environment,
			Debug:            true,
			ServerName:       cfg.Global.InstanceName,
			Release:          "receiptstream@" + internal.VersionString(),
			AttachStacktrace: true,
		})
		if err != nil {
			logrus.WithError(err).Panic("failed to start Sentry")
		}
		defer func() {
			if !sentry.Flush(time.Second * 5) {
				logrus.Warnf("failed to flush all Sentry events!")
			}
		}()
	}

	closer, err := cfg.SetupTracing()
	if err != nil {
		logrus.WithError(err).Panicf("failed to start opentracing")
	}
	defer closer.Close() // nolint: errcheck

	processCtx := process.NewProcessContext()
	natsInstance := &jetstream.NATSInstance{}
	caches := caching.NewRistrettoCache(
		cfg.Global.Cache.EstimatedMaxSize, cfg.Global.Cache.MaxAge, cfg.Global.Cache.EventOrderingTTL,
		cfg.Global.Metrics.Enabled,
	)
	receiptAPI := receiptapi.NewInternalAPI(processCtx, cfg, natsInstance, caches, nil)

	upCounter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "receiptstream",
		Name:      "up",
		ConstLabels: map[string]string{
			"version":  internal.VersionString(),
			"instance": cfg.Global.InstanceName,
		},
	})
	upCounter.Add(1)
	prometheus.MustRegister(upCounter)

	g, ctx := errgroup.WithContext(processCtx.Context())
	if cfg.Global.Metrics.Enabled {
		srv := &http.Server{
			Addr:         cfg.Global.Metrics.Listen,
			WriteTimeout: httpServerTimeout,
			Handler:      newRouter(processCtx, receiptAPI),
			BaseContext: func(_ net.Listener) context.Context {
				return processCtx.Context()
			},
		}
		processCtx.ComponentStarted()
		g.Go(func() error {
			logrus.Infof("Starting metrics listener on %s", srv.Addr)
			defer processCtx.ComponentFinished()
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics listener: %w", err)
			}
			logrus.Info("Metrics listener stopped")
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigs)
		select {
		case sig := <-sigs:
			logrus.Warnf("Received %s, shutting down", sig)
		case <-ctx.Done():
		}
		processCtx.Shutdown()
		return nil
	})

	if err = g.Wait(); err != nil {
		logrus.WithError(err).Error("Receipt stream stopped with an error")
	}
	processCtx.Shutdown()
	processCtx.WaitForComponentsToFinish()
	logrus.Warn("Receipt stream is exiting now")
}

func newRouter(processCtx *process.ProcessContext, receiptAPI api.ReceiptInternalAPI) *mux.Router {
	router := mux.NewRouter().SkipClean(true).UseEncodedPath()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.Handle("/health", util.MakeJSONAPI(util.NewJSONRequestHandler(
		func(req *http.Request) util.JSONResponse {
			degraded, reasons := processCtx.IsDegraded()
			code := http.StatusOK
			if degraded {
				code = http.StatusServiceUnavailable
			}
			return util.JSONResponse{
				Code: code,
				JSON: struct {
					Position     string   `json:"position"`
					LoopingCalls int      `json:"looping_calls"`
					Degraded     []string `json:"degraded,omitempty"`
				}{
					Position:     receiptAPI.CurrentToken().String(),
					LoopingCalls: processCtx.RunningLoops(),
					Degraded:     reasons,
				},
			}
		},
	))).Methods(http.MethodGet)
	return router
}
