package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jnesss/auditmon/checksum"
	"github.com/jnesss/auditmon/correlate"
	"github.com/jnesss/auditmon/policy"
	"github.com/jnesss/auditmon/process"
	"github.com/jnesss/auditmon/sink"
)

func main() {
	cfgPath := flag.String("c", "", "path to yaml config file")
	flag.Parse()

	cfg, err := LoadConfig(*cfgPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// The frame source may need root; everything it hands us is
	// processed with privileges already dropped.
	src, err := newFrameSource()
	if err != nil {
		fmt.Printf("Failed to initialize audit source: %v\n", err)
		os.Exit(1)
	}

	eventSink, err := initSinkWithUser(cfg)
	if err != nil {
		fmt.Printf("Failed to initialize sink: %v\n", err)
		os.Exit(1)
	}
	defer eventSink.Close()

	var pol policy.Engine
	if cfg.RulesDir != "" {
		sigmaEngine, err := policy.NewSigmaEngine(cfg.RulesDir)
		if err != nil {
			fmt.Printf("Failed to initialize policy engine: %v\n", err)
			os.Exit(1)
		}
		defer sigmaEngine.Close()
		pol = sigmaEngine
	}

	checks, err := checksum.NewWorker(cfg.ChecksumCacheSize, cfg.checksumTimeout, nil)
	if err != nil {
		fmt.Printf("Failed to initialize checksum worker: %v\n", err)
		os.Exit(1)
	}
	defer checks.Close()

	table := process.NewTable(cfg.ProcessTableMax)
	engine := correlate.NewEngine(table, checks, pol, eventSink, correlate.Config{
		GapPolicy: cfg.GapPolicy,
	})
	loop := NewEventLoop(src, engine)

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("Shutting down...")
		cancel()
	}()

	fmt.Println("Audit monitoring started... Press Ctrl+C to stop")
	if err := loop.Run(ctx); err != nil {
		fmt.Printf("Event loop error: %v\n", err)
	}

	printSummary(loop, engine)
}

// initSinkWithUser builds the configured sink with privileges dropped
// first, so the database files belong to the invoking user.
func initSinkWithUser(cfg *Config) (sink.EventSink, error) {
	if cfg.Sink == "log" {
		return sink.NewLogSink(os.Stdout), nil
	}
	if err := dropPrivileges(); err != nil {
		return nil, fmt.Errorf("failed to drop privileges: %v", err)
	}
	return sink.NewSQLiteSink(cfg.DataDir)
}

func printSummary(loop *EventLoop, engine *correlate.Engine) {
	s := engine.Stats
	fmt.Printf("Processed %d records (%d decode errors, %d gaps)\n",
		s.Records, loop.DecodeErrors, s.Gaps)
	fmt.Printf("Emitted %d events (%d degraded, %d suppressed, %d redacted)\n",
		s.Emitted, s.Degraded, s.Suppressed, s.Redacted)
	if s.ChecksumTimeouts > 0 || s.SinkErrors > 0 || s.PolicyErrors > 0 {
		fmt.Printf("Errors: %d checksum timeouts, %d sink errors, %d policy errors\n",
			s.ChecksumTimeouts, s.SinkErrors, s.PolicyErrors)
	}
	if n := engine.Table().Evictions; n > 0 {
		fmt.Printf("Process table evicted %d entries under pressure\n", n)
	}
}
