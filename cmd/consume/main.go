// Consume reads messages from a static list of partitions of a topic and
// writes them to stdout, one line per message, until interrupted. Settings
// come from the environment (see package config).
package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/mkocikowski/kafkafetch/config"
	"github.com/mkocikowski/kafkafetch/consumer"
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
	c := &consumer.Static{
		Bootstrap:     cfg.Bootstrap,
		Topic:         cfg.Topic,
		ClientId:      cfg.ClientId,
		Fetch:         cfg.Fetch(),
		StartLocation: cfg.Start(),
		DialTimeout:   cfg.DialTimeout,
		Logger:        logger,
	}
	offsets := make(map[int32]int64)
	for _, p := range cfg.Partitions {
		offsets[p] = -1 // start location
	}
	messages, err := c.Start(ctx, offsets)
	if err != nil {
		level.Error(logger).Log("msg", "error starting consumer", "err", err)
		os.Exit(1)
	}
	out := log.NewLogfmtLogger(log.NewSyncWriter(os.Stdout))
	for m := range messages {
		out.Log("topic", m.Topic, "partition", m.Partition, "offset", m.Offset, "key", string(m.Key), "value", string(m.Value))
	}
	c.Wait()
	if err := c.Err(); err != nil {
		level.Error(logger).Log("msg", "consumer stopped", "err", err)
		os.Exit(1)
	}
	for p, s := range c.Partitions() {
		level.Info(logger).Log("msg", "final offset", "partition", p, "offset", s.Offset())
	}
}
