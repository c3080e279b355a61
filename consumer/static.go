package consumer

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rcrowley/go-metrics"

	"github.com/mkocikowski/kafkafetch"
	"github.com/mkocikowski/kafkafetch/broker"
	"github.com/mkocikowski/kafkafetch/errors"
	"github.com/mkocikowski/kafkafetch/protocol"
)

const DefaultSeekTimeout = 10 * time.Second

// Static consumes a fixed set of partitions of a single topic. Partition
// leaders are looked up once, on Start, and there is one Fetcher per leader.
// When the connection to a leader fails, the partitions on it stop (their
// error is available from Err) and the rest keep going; the output channel is
// closed when all partitions have stopped.
type Static struct {
	// Kafka bootstrap host:port
	Bootstrap string
	Topic     string
	ClientId  string
	Fetch     FetchConfig
	// Used for partitions started at a negative offset, and by
	// DefaultHandlePartitionError on OFFSET_OUT_OF_RANGE.
	StartLocation StartLocation
	TLS           *tls.Config
	DialTimeout   time.Duration
	// Per partition. If <= 0 then DefaultBufferSize.
	BufferSize int
	// If nil then DefaultHandlePartitionError.
	HandlePartitionError PartitionErrorHandler
	Logger               log.Logger
	Metrics              metrics.Registry
	// for tests
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
	//
	ctx        context.Context
	protocol   *protocol.Protocol
	brokers    map[int32]*broker.Broker
	fetchers   map[int32]*Fetcher
	partitions map[int32]*TopicPartition
	seekers    map[int32]*partitionSeeker
	out        chan *kafkafetch.Message
	done       chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	mu         sync.Mutex
	errs       []error
}

func (c *Static) conn(addr string) *broker.Conn {
	return &broker.Conn{
		Addr:        addr,
		TLS:         c.TLS,
		DialTimeout: c.DialTimeout,
		Logger:      c.Logger,
		Dial:        c.Dial,
	}
}

func (c *Static) lookupOffset(ctx context.Context, conn protocol.Conn, partition int32, loc StartLocation) (int64, error) {
	req := &protocol.OffsetRequest{Topic: c.Topic, Partitions: []int32{partition}, Timestamp: loc.Timestamp()}
	resp, err := c.protocol.ListOffsets(ctx, req, conn)
	if err != nil {
		return -1, err
	}
	for _, t := range resp.Responses {
		if t.Topic != c.Topic {
			continue
		}
		for _, p := range t.Partitions {
			if p.Partition != partition {
				continue
			}
			if err := errors.Code(p.ErrorCode); err != nil {
				return -1, kafkafetch.Errorf("error looking up %s offset for %s/%d: %w", loc, c.Topic, partition, err)
			}
			return p.Offset, nil
		}
	}
	return -1, kafkafetch.Errorf("no %s offset for %s/%d in response", loc, c.Topic, partition)
}

// Start consuming partitions at given offsets. A negative offset means
// "start at StartLocation". Messages of a single partition are in order;
// there is no ordering between partitions. Canceling ctx is the same as
// calling Stop. Either way, read the channel until it is closed.
func (c *Static) Start(ctx context.Context, partitionOffsets map[int32]int64) (<-chan *kafkafetch.Message, error) {
	if c.Logger == nil {
		c.Logger = log.NewNopLogger()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewRegistry()
	}
	if c.HandlePartitionError == nil {
		c.HandlePartitionError = DefaultHandlePartitionError(c.Logger)
	}
	c.ctx = ctx
	c.protocol = &protocol.Protocol{ClientId: c.ClientId, Logger: c.Logger, Metrics: c.Metrics}
	bootstrap := c.conn(c.Bootstrap)
	meta, err := c.protocol.Metadata(ctx, []string{c.Topic}, bootstrap)
	bootstrap.Close()
	if err != nil {
		return nil, kafkafetch.Errorf("error getting metadata from %s: %w", c.Bootstrap, err)
	}
	leaders := meta.Leaders(c.Topic)
	c.brokers = make(map[int32]*broker.Broker)
	c.fetchers = make(map[int32]*Fetcher)
	c.partitions = make(map[int32]*TopicPartition)
	c.seekers = make(map[int32]*partitionSeeker)
	for partition, offset := range partitionOffsets {
		leader := leaders[partition]
		if leader == nil {
			c.closeBrokers()
			return nil, kafkafetch.Errorf("%s/%d: %w", c.Topic, partition, ErrNoLeader)
		}
		b := c.brokers[leader.NodeId]
		if b == nil {
			b = broker.NewBroker(leader.Host, leader.Port, leader.NodeId, c.conn(leader.Addr()))
			c.brokers[leader.NodeId] = b
			c.fetchers[leader.NodeId] = &Fetcher{
				Broker:   b,
				Protocol: c.protocol,
				Config:   c.Fetch,
				Logger:   c.Logger,
				Metrics:  c.Metrics,
			}
		}
		if offset < 0 {
			if offset, err = c.lookupOffset(ctx, b.Conn, partition, c.StartLocation); err != nil {
				c.closeBrokers()
				return nil, err
			}
		}
		state := NewPartitionFetchState(partition, c.StartLocation, offset)
		tp := NewTopicPartition(c.Topic, state, c.BufferSize)
		c.partitions[partition] = tp
		c.seekers[partition] = &partitionSeeker{c: c, tp: tp, conn: b.Conn}
		level.Debug(c.Logger).Log("msg", "assigned", "partition", tp, "leader", b)
	}
	c.done = make(chan struct{})
	c.out = make(chan *kafkafetch.Message)
	for partition, tp := range c.partitions {
		leader := leaders[partition]
		c.fetchers[leader.NodeId].Subscribe(tp)
		c.wg.Add(1)
		go c.forward(tp)
	}
	for _, f := range c.fetchers {
		f.SubscribePartitionErrors(&errorSink{c: c})
		f.Start(ctx)
	}
	stopped := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(c.out)
		close(stopped)
	}()
	go c.watch(ctx, stopped)
	return c.out, nil
}

// watch stops the consumer when ctx ends. It returns early after Stop, or once
// every partition has stopped on its own.
func (c *Static) watch(ctx context.Context, stopped <-chan struct{}) {
	select {
	case <-ctx.Done():
		c.Stop()
	case <-c.done:
	case <-stopped:
	}
}

func (c *Static) forward(tp *TopicPartition) {
	defer c.wg.Done()
	for m := range tp.Messages() {
		select {
		case c.out <- m:
		case <-c.done:
			return
		}
	}
	if err := tp.Err(); err != nil {
		level.Error(c.Logger).Log("msg", "partition stopped", "partition", tp, "err", err)
		c.mu.Lock()
		c.errs = append(c.errs, err)
		c.mu.Unlock()
	}
}

func (c *Static) closeBrokers() {
	for _, b := range c.brokers {
		b.Conn.Close()
	}
}

// Stop all fetchers and close connections. Messages already fetched but not
// yet read from the output channel are dropped.
func (c *Static) Stop() {
	if c.done == nil {
		return // not started
	}
	c.stopOnce.Do(func() {
		close(c.done)
		for _, tp := range c.partitions {
			tp.Close()
		}
		for _, f := range c.fetchers {
			f.Close()
		}
		c.closeBrokers()
	})
}

// Wait until all partitions have stopped.
func (c *Static) Wait() {
	c.wg.Wait()
}

// Err returns the first error a partition stopped with, if any.
func (c *Static) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.errs) == 0 {
		return nil
	}
	return c.errs[0]
}

// Partitions returns the current fetch state of each partition.
func (c *Static) Partitions() map[int32]*PartitionFetchState {
	out := make(map[int32]*PartitionFetchState, len(c.partitions))
	for p, tp := range c.partitions {
		out[p] = tp.State()
	}
	return out
}

type partitionSeeker struct {
	c    *Static
	tp   *TopicPartition
	conn *broker.Conn
}

func (s *partitionSeeker) Seek(loc StartLocation) error {
	ctx, cancel := context.WithTimeout(s.c.ctx, DefaultSeekTimeout)
	defer cancel()
	offset, err := s.c.lookupOffset(ctx, s.conn, s.tp.Partition(), loc)
	if err != nil {
		return err
	}
	s.tp.State().SetOffset(offset)
	return nil
}

func (s *partitionSeeker) StartLocation() StartLocation { return s.tp.State().StartLocation }
func (s *partitionSeeker) Offset() int64                { return s.tp.CurrentOffset() }
func (s *partitionSeeker) SetOffset(offset int64)       { s.tp.State().SetOffset(offset) }

// errorSink routes the partition error view of a fetcher to the handler.
type errorSink struct {
	c *Static
}

func (s *errorSink) PartitionError(e kafkafetch.PartitionError) {
	if e.Topic != s.c.Topic {
		return
	}
	if seeker := s.c.seekers[e.Partition]; seeker != nil {
		s.c.HandlePartitionError(seeker, e)
	}
}

func (s *errorSink) Fail(error) {}
func (s *errorSink) Done()      {}
