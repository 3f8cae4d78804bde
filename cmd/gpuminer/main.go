// gpuminer: per-device GPU proof-of-work search
// Copyright (C) 2026  Guillermo Perry
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"gpuminer/internal/api"
	"gpuminer/internal/config"
	"gpuminer/internal/farm"
	"gpuminer/internal/log"
	"gpuminer/pkg/mining/ethash"
	"gpuminer/pkg/mining/factory"
	"gpuminer/pkg/mining/gpu"
	"gpuminer/pkg/mining/hardware"
	"gpuminer/pkg/mining/registry"
	"gpuminer/pkg/mining/telemetry"
	"gpuminer/pkg/mining/worker"
)

var (
	configPath = flag.String("config", "", "configuration file (JSON or YAML)")
	listOnly   = flag.Bool("list", false, "list GPU devices and exit")
	detectOnly = flag.Bool("detect", false, "print hardware detection summary and exit")
	benchmark  = flag.Int("benchmark", -1, "mine random work for this epoch and print hashrates")
	simulated  = flag.Bool("sim", false, "use simulated GPUs")
	testDAG    = flag.Bool("test-dag", false, "use tiny test-mode ethash sizes")
	devices    = flag.String("devices", "", "comma separated device ordinals")
	httpAddr   = flag.String("http", "", "HTTP API listen address (overrides config)")
	grpcAddr   = flag.String("grpc", "", "gRPC listen address (overrides config)")
	reportURL  = flag.String("report-url", "", "POST solutions to this URL")
	logDir     = flag.String("logdir", "", "directory for the rotating log file")
	logLevel   = flag.String("loglevel", "", "log level: trace, debug, info, warn, error")
	saveConfig = flag.String("save-config", "", "write the effective configuration here and exit")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gpuminer: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}
	var flagErr error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "sim":
			cfg.GPU.Simulated = *simulated
		case "test-dag":
			if *testDAG {
				cfg.Algorithm = ethash.ModeTest.String()
			}
		case "devices":
			ids, err := config.ParseDevices(*devices)
			if err != nil {
				flagErr = err
			}
			cfg.GPU.Devices = ids
		case "http":
			cfg.HTTPListen = *httpAddr
		case "grpc":
			cfg.GRPCListen = *grpcAddr
		case "report-url":
			cfg.Report.URL = *reportURL
		case "logdir":
			cfg.Logging.Dir = *logDir
		case "loglevel":
			cfg.Logging.Level = *logLevel
		}
	})
	if flagErr != nil {
		return nil, flagErr
	}
	return cfg, cfg.Validate()
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if *saveConfig != "" {
		return config.Save(cfg, *saveConfig)
	}

	log.SetLogLevels(cfg.Logging.Level)
	if cfg.Logging.Dir != "" {
		if err := log.InitLogRotator(filepath.Join(cfg.Logging.Dir, "gpuminer.log")); err != nil {
			return err
		}
		defer log.CloseLogRotator()
	}

	var rt gpu.Runtime
	if cfg.GPU.Simulated || !gpu.NativeAvailable {
		rt = gpu.NewSimRuntime(cfg.SimOptions())
	} else {
		rt = gpu.DefaultRuntime()
	}
	reg := registry.New(rt, ethash.New(cfg.Mode()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *listOnly {
		reg.ListDevices(os.Stdout)
		return nil
	}
	if *detectOnly {
		fmt.Print(hardware.Detect(ctx, rt).Summary())
		return nil
	}

	if reg.NumDevices() > 0 {
		opts, err := cfg.RegistryOptions()
		if err != nil {
			return err
		}
		if err := reg.Configure(opts); err != nil {
			return fmt.Errorf("configure devices: %w", err)
		}
	}

	fac := factory.New(cfg.Backend, reg, hardware.ForRuntime(rt), worker.Options{Backoff: cfg.RetryBackoff.Duration})
	f := farm.New(fac, farm.Options{HashrateInterval: cfg.HashrateInterval.Duration})
	if cfg.Report.URL != "" {
		f.AddSink(farm.NewHTTPSink(cfg.Report.URL, f.ID(), cfg.Report.Timeout.Duration, cfg.Report.Retries))
	}
	if err := f.Start(); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}
	if *benchmark >= 0 {
		if *benchmark >= ethash.MaxEpoch {
			return fmt.Errorf("benchmark epoch %d out of range", *benchmark)
		}
		if err := f.SetWork(farm.BenchmarkWork(*benchmark)); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		defer cancel()
		return f.Run(runCtx)
	})
	if cfg.HTTPListen != "" {
		srv := api.NewServer(cfg.HTTPListen, f)
		g.Go(func() error { return srv.Run(runCtx) })
	}
	if cfg.GRPCListen != "" {
		lis, err := net.Listen("tcp", cfg.GRPCListen)
		if err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("listen %s: %w", cfg.GRPCListen, err)
		}
		gs := api.NewGRPCServer(f)
		g.Go(func() error { return gs.Run(runCtx, lis, cfg.HashrateInterval.Duration) })
	}
	if *benchmark >= 0 {
		g.Go(func() error {
			printHashrates(runCtx, f, cfg.HashrateInterval.Duration)
			return nil
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printHashrates(ctx context.Context, f *farm.Farm, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		st := f.Stats()
		fmt.Printf("%s  %s", time.Now().Format("15:04:05"), telemetry.FormatRate(st.Hashrate))
		for _, m := range st.Miners {
			fmt.Printf("  %s %s", m.Name, telemetry.FormatRate(m.Hashrate))
		}
		fmt.Println()
	}
}
