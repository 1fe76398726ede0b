// Copyright (C) 2025 OpenIRL.
// See LICENSE for copying information.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	srtla "github.com/openirl/srtla-rec"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to a TOML config file")
		srtlaPort   = flag.Uint("srtla_port", 0, "UDP port the bond socket listens on")
		srtHostname = flag.String("srt_hostname", "", "hostname of the downstream SRT server")
		srtPort     = flag.Uint("srt_port", 0, "port of the downstream SRT server")
		logLevel    = flag.String("log_level", "", "log level (trace, debug, info, warn, error, critical)")
	)
	flag.Parse()

	cfg := srtla.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = srtla.LoadConfigFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
	}

	// Command line flags win over the config file.
	if *srtlaPort != 0 {
		cfg.SRTLAPort = uint16(*srtlaPort)
	}
	if *srtHostname != "" {
		cfg.SRTHostname = *srtHostname
	}
	if *srtPort != 0 {
		cfg.SRTPort = uint16(*srtPort)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	zc := zap.NewDevelopmentConfig()
	zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	level, known := zapLevel(cfg.LogLevel)
	zc.Level = zap.NewAtomicLevelAt(level)
	zl, err := zc.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, "could not set up logging:", err.Error())
		os.Exit(1)
	}
	defer func() { _ = zl.Sync() }()

	log := zapr.NewLogger(zl)
	if !known {
		log.Info("unknown log level, using info", "level", cfg.LogLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	recv, err := srtla.New(cfg, log)
	if err != nil {
		log.Error(err, "could not start the receiver")
		os.Exit(1)
	}
	if err := recv.Run(ctx); err != nil {
		log.Error(err, "receiver failed")
		os.Exit(1)
	}
}

// zapLevel maps the config level names onto zap levels. The second return
// is false for names outside the known set.
func zapLevel(name string) (zapcore.Level, bool) {
	switch name {
	case "trace", "debug":
		return zapcore.DebugLevel, true
	case "info":
		return zapcore.InfoLevel, true
	case "warn":
		return zapcore.WarnLevel, true
	case "error":
		return zapcore.ErrorLevel, true
	case "critical":
		return zapcore.FatalLevel, true
	default:
		return zapcore.InfoLevel, false
	}
}
