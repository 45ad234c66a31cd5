/*
 * Licensed to the Apache Software Foundation (ASF) under one
 * or more contributor license agreements.  See the NOTICE file
 * distributed with this work for additional information
 * regarding copyright ownership.  The ASF licenses this file
 * to you under the Apache License, Version 2.0 (the
 * "License"); you may not use this file except in compliance
 * with the License.  You may obtain a copy of the License at
 *
 *   http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

// celix-rsad is the remote service admin daemon. It hosts one shm
// transport instance, exports the JSON codec as the default, and mirrors a
// discovery file into imports. Peers on the same host reach its exported
// services by server name.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/QPC-github/celix/discovery"
	"github.com/QPC-github/celix/jsonrpc"
	"github.com/QPC-github/celix/registry"
	"github.com/QPC-github/celix/rpc"
	"github.com/QPC-github/celix/rsa"
)

func main() {
	app := cli.NewApp()
	app.Name = "celix-rsad"
	app.Usage = "Remote service admin daemon for the shared memory transport"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "YAML configuration file",
		},
		&cli.StringFlag{
			Name:    "server-name",
			Aliases: []string{"s"},
			Usage:   "transport instance name, overrides the configuration",
		},
		&cli.StringFlag{
			Name:    "discovery-file",
			Aliases: []string{"d"},
			Usage:   "endpoint file to watch for remote services",
		},
		&cli.StringFlag{
			Name:  "calls-log",
			Usage: "file remote call records are appended to",
		},
		&cli.StringFlag{
			Name:    "metrics-addr",
			Aliases: []string{"m"},
			Usage:   "listen address for /metrics, empty disables the endpoint",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "trace, debug, info, warn or error",
		},
		&cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "text or json",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log, err := buildLogger(c.String("log-level"), c.String("log-format"))
	if err != nil {
		return err
	}

	cfg, err := rsa.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	if name := c.String("server-name"); name != "" {
		cfg.ServerName = name
	}
	if cfg.ServerName == "" {
		cfg.ServerName = fmt.Sprintf("celix_rsad_%d", os.Getpid())
		log.WithField("server", cfg.ServerName).Warn("No server name configured, using a process-bound one")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var callsFile *os.File
	var callLog *rpc.CallLog
	if path := c.String("calls-log"); path != "" {
		callsFile, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open calls log: %w", err)
		}
		defer callsFile.Close()
		callLog = rpc.NewCallLog(callsFile)
	}

	promReg := prometheus.NewRegistry()

	reg := registry.New(log)
	chain, err := rpc.NewInterceptorChain(reg, log)
	if err != nil {
		reg.Close()
		return err
	}

	factory := jsonrpc.NewFactory(reg, chain, callLog, log)
	if _, err := factory.Register(); err != nil {
		chain.Close()
		reg.Close()
		return err
	}

	admin, err := rsa.New(cfg, log, reg, promReg)
	if err != nil {
		factory.Unregister()
		chain.Close()
		reg.Close()
		return err
	}

	var watcher *discovery.Watcher
	if path := c.String("discovery-file"); path != "" {
		watcher, err = discovery.New(log, admin, path)
		if err != nil {
			admin.Close()
			factory.Unregister()
			chain.Close()
			reg.Close()
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if addr := c.String("metrics-addr"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: addr, Handler: mux}

		g.Go(func() error {
			log.WithField("addr", addr).Info("Serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	log.WithFields(logrus.Fields{
		"server":    cfg.ServerName,
		"framework": admin.FrameworkUUID(),
	}).Info("Remote service admin daemon running")

	<-gctx.Done()
	log.Info("Shutting down")

	// Imports and exports tear down on the registry's dispatch goroutine,
	// so the registry closes after everything that still uses it.
	var closeErr error
	if watcher != nil {
		closeErr = multierr.Append(closeErr, watcher.Close())
	}
	closeErr = multierr.Append(closeErr, admin.Close())
	factory.Unregister()
	chain.Close()
	reg.Close()

	return multierr.Append(closeErr, g.Wait())
}

func buildLogger(level, format string) (*logrus.Logger, error) {
	log := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	log.SetLevel(lvl)
	switch format {
	case "", "text":
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return log, nil
}
