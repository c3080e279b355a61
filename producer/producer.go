// Package producer implements a synchronous kafka producer. Each call to
// Produce builds a single record batch, compresses it, and sends it to the
// leader of the target partition in one produce request. There are no
// retries: on error the connection to the leader is closed and it is up to
// the caller to try again (on the same or a different partition).
package producer

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/mkocikowski/libkafka/api/Metadata"
	"github.com/mkocikowski/libkafka/batch"
	"github.com/mkocikowski/libkafka/record"
	"github.com/rcrowley/go-metrics"

	"github.com/mkocikowski/kafkafetch"
	"github.com/mkocikowski/kafkafetch/broker"
	"github.com/mkocikowski/kafkafetch/compression"
	"github.com/mkocikowski/kafkafetch/errors"
	"github.com/mkocikowski/kafkafetch/protocol"
)

var (
	ErrNoRecords        = errors.New("no records")
	ErrNoLeader         = errors.New("no leader for partition")
	ErrNotStarted       = errors.New("producer not started")
	ErrUnknownPartition = errors.New("unknown partition")
)

// Producer sends records to partitions of a single topic. Set public fields,
// then call Start. Safe for concurrent use after Start.
type Producer struct {
	// Kafka bootstrap host:port
	Bootstrap string
	Topic     string
	ClientId  string
	// Must be safe for concurrent use. If nil then no compression.
	Compressor batch.Compressor
	// 1: leader only, -1: all ISRs. Every request waits for a response,
	// so 0 is not supported and means 1.
	Acks      int16
	TimeoutMs int32
	// Used by Send. If nil then RandomPartitioner.
	Partitioner Partitioner
	TLS         *tls.Config
	DialTimeout time.Duration
	Logger      log.Logger
	Metrics     metrics.Registry
	// for tests
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
	//
	protocol      *protocol.Protocol
	mu            sync.Mutex
	leaders       map[int32]*broker.Broker
	numPartitions int32 // from metadata, including partitions with no leader
	produced      metrics.Meter
	failures      metrics.Counter
}

func (p *Producer) conn(addr string) *broker.Conn {
	return &broker.Conn{
		Addr:        addr,
		TLS:         p.TLS,
		DialTimeout: p.DialTimeout,
		Logger:      p.Logger,
		Dial:        p.Dial,
	}
}

// Start looks up partition leaders for the topic.
func (p *Producer) Start(ctx context.Context) error {
	if p.Logger == nil {
		p.Logger = log.NewNopLogger()
	}
	if p.Metrics == nil {
		p.Metrics = metrics.NewRegistry()
	}
	if p.Compressor == nil {
		p.Compressor = &compression.None{}
	}
	if p.Partitioner == nil {
		p.Partitioner = &RandomPartitioner{}
	}
	if p.Acks == 0 {
		p.Acks = 1
	}
	if p.TimeoutMs == 0 {
		p.TimeoutMs = 1000
	}
	p.produced = metrics.GetOrRegisterMeter("producer-records", p.Metrics)
	p.failures = metrics.GetOrRegisterCounter("producer-failures", p.Metrics)
	p.protocol = &protocol.Protocol{ClientId: p.ClientId, Logger: p.Logger, Metrics: p.Metrics}
	bootstrap := p.conn(p.Bootstrap)
	defer bootstrap.Close()
	meta, err := p.protocol.Metadata(ctx, []string{p.Topic}, bootstrap)
	if err != nil {
		return kafkafetch.Errorf("error getting metadata from %s: %w", p.Bootstrap, err)
	}
	leaders := meta.Leaders(p.Topic)
	if len(leaders) == 0 {
		return kafkafetch.Errorf("topic %s: %w", p.Topic, ErrNoLeader)
	}
	brokers := make(map[int32]*broker.Broker)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leaders = make(map[int32]*broker.Broker)
	for partition, leader := range leaders {
		b := brokers[leader.NodeId]
		if b == nil {
			b = broker.NewBroker(leader.Host, leader.Port, leader.NodeId, p.conn(leader.Addr()))
			brokers[leader.NodeId] = b
		}
		p.leaders[partition] = b
	}
	// partitions without a leader still count, so that keys keep mapping to
	// the same partitions while a leader is missing
	p.numPartitions = numPartitions(meta, p.Topic)
	p.Partitioner.SetNumPartitions(p.numPartitions)
	level.Debug(p.Logger).Log("msg", "producer started", "topic", p.Topic, "partitions", len(leaders), "brokers", len(brokers))
	return nil
}

func (p *Producer) leader(partition int32) (*broker.Broker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.leaders == nil {
		return nil, ErrNotStarted
	}
	b := p.leaders[partition]
	switch {
	case b != nil:
		return b, nil
	case partition >= 0 && partition < p.numPartitions:
		return nil, kafkafetch.Errorf("%s/%d: %w", p.Topic, partition, ErrNoLeader)
	}
	return nil, kafkafetch.Errorf("%s/%d: %w", p.Topic, partition, ErrUnknownPartition)
}

func numPartitions(meta *Metadata.Response, topic string) int32 {
	for _, t := range meta.TopicMetadata {
		if t.Topic == topic {
			return int32(len(t.PartitionMetadata))
		}
	}
	return 0
}

// Produce records to partition as a single batch. Returns the offset of the
// first record.
func (p *Producer) Produce(ctx context.Context, partition int32, records ...*record.Record) (int64, error) {
	if len(records) == 0 {
		return -1, ErrNoRecords
	}
	b, err := p.leader(partition)
	if err != nil {
		return -1, err
	}
	now := time.Now().UTC()
	builder := batch.NewBuilder(now)
	builder.Add(records...)
	recordBatch, err := builder.Build(now)
	if err != nil {
		return -1, kafkafetch.Errorf("error building batch: %w", err)
	}
	if err := recordBatch.Compress(p.Compressor); err != nil {
		return -1, kafkafetch.Errorf("error compressing batch: %w", err)
	}
	req := &protocol.ProduceRequest{
		Topic:     p.Topic,
		Partition: partition,
		Acks:      p.Acks,
		TimeoutMs: p.TimeoutMs,
		RecordSet: recordBatch.Marshal(),
	}
	resp, err := p.protocol.Produce(ctx, req, b.Conn)
	if err != nil {
		p.failures.Inc(1)
		if errors.IsNetwork(err) {
			b.Conn.Close()
		}
		return -1, err
	}
	for _, t := range resp.TopicResponses {
		for _, r := range t.PartitionResponses {
			if r.Partition != partition {
				continue
			}
			if err := errors.Code(r.ErrorCode); err != nil {
				p.failures.Inc(1)
				b.Conn.Close()
				return -1, kafkafetch.Errorf("error producing to %s/%d: %w", p.Topic, partition, err)
			}
			p.produced.Mark(int64(len(records)))
			return r.BaseOffset, nil
		}
	}
	return -1, kafkafetch.Errorf("no response for %s/%d", p.Topic, partition)
}

// Send a single record to the partition chosen by the Partitioner. Returns
// the partition and offset.
func (p *Producer) Send(ctx context.Context, key, value []byte) (int32, int64, error) {
	if p.Partitioner == nil {
		return -1, -1, ErrNotStarted
	}
	partition := p.Partitioner.Partition(key)
	offset, err := p.Produce(ctx, partition, record.New(key, value))
	return partition, offset, err
}

// Close connections to all leaders.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.leaders {
		b.Conn.Close()
	}
	return nil
}
