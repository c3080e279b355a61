// Produce is a synchronous kafka producer. It reads lines from stdin and
// sends them to kafka one record at a time with the configured compression.
// Sending records one at a time is inefficient. This is meant as an example of
// how to use the library. Settings come from the environment (see package
// config); KAFKA_PARTITIONS is ignored, partitions are picked at random.
package main

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/mkocikowski/kafkafetch/config"
	"github.com/mkocikowski/kafkafetch/producer"
)

var (
	projectName  string
	buildVersion string
	buildTime    string
)

func main() {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	cfg, err := config.Load()
	if err != nil {
		level.Error(logger).Log("msg", "error loading config", "err", err)
		os.Exit(1)
	}
	lvl, _ := cfg.Level()
	logger = level.NewFilter(logger, lvl)
	level.Info(logger).Log("project", projectName, "version", buildVersion, "built", buildTime, "go", runtime.Version())
	//
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	p := &producer.Producer{
		Bootstrap:   cfg.Bootstrap,
		Topic:       cfg.Topic,
		ClientId:    cfg.ClientId,
		Compressor:  cfg.Compressor(),
		DialTimeout: cfg.DialTimeout,
		Logger:      logger,
	}
	if err := p.Start(ctx); err != nil {
		level.Error(logger).Log("msg", "error starting producer", "err", err)
		os.Exit(1)
	}
	defer p.Close()
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		value := append([]byte(nil), scanner.Bytes()...)
		partition, offset, err := p.Send(ctx, nil, value)
		if err != nil {
			level.Error(logger).Log("msg", "error producing", "partition", partition, "err", err)
			continue
		}
		level.Debug(logger).Log("msg", "produced", "partition", partition, "offset", offset)
	}
	if err := scanner.Err(); err != nil {
		level.Error(logger).Log("msg", "error reading stdin", "err", err)
	}
}
