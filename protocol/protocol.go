// Package protocol implements typed kafka api calls on top of the correlation
// layer. Each call acquires the live transport of the given connection, sends
// one request tagged with a fresh correlation id, and waits for the matching
// response. There are no retries: on a NetworkError the caller decides what to
// do (usually close the connection and look up the leader again). Error codes
// inside successful responses are returned as data, not as errors.
package protocol

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/mkocikowski/libkafka/api"
	"github.com/mkocikowski/libkafka/api/CreateTopics"
	"github.com/mkocikowski/libkafka/api/Fetch"
	"github.com/mkocikowski/libkafka/api/ListOffsets"
	"github.com/mkocikowski/libkafka/api/Metadata"
	"github.com/mkocikowski/libkafka/api/Produce"
	"github.com/mkocikowski/libkafka/batch"
	"github.com/rcrowley/go-metrics"

	"github.com/mkocikowski/kafkafetch/compression"
	"github.com/mkocikowski/kafkafetch/correlation"
	"github.com/mkocikowski/kafkafetch/errors"
)

// Conn is implemented by broker.Conn.
type Conn interface {
	Client(context.Context) (*correlation.Correlator, error)
}

// Protocol is safe for concurrent use. Set public fields before first use.
type Protocol struct {
	ClientId string
	// Nil means compression.Decompressors().
	Decompressors map[int16]batch.Decompressor
	Logger        log.Logger
	// Nil means a private registry.
	Metrics metrics.Registry
	//
	once sync.Once
}

func (p *Protocol) init() {
	p.once.Do(func() {
		if p.Decompressors == nil {
			p.Decompressors = compression.Decompressors()
		}
		if p.Logger == nil {
			p.Logger = log.NewNopLogger()
		}
		if p.Metrics == nil {
			p.Metrics = metrics.NewRegistry()
		}
	})
}

func (p *Protocol) roundTrip(ctx context.Context, conn Conn, req *api.Request, v interface{}) error {
	p.init()
	defer metrics.GetOrRegisterTimer(
		"protocol-"+api.Keys[int(req.ApiKey)]+"-latency", p.Metrics).UpdateSince(time.Now())
	client, err := conn.Client(ctx)
	if err != nil {
		return err
	}
	encode := func(correlationId int32) ([]byte, error) {
		r := *req
		r.CorrelationId = correlationId
		r.ClientId = p.ClientId
		return r.Bytes(), nil
	}
	resp, err := client.SendAndCorrelate(ctx, encode)
	if err != nil {
		return fmt.Errorf("error making %T call to %v: %w", req.Body, conn, err)
	}
	if err := unmarshal(resp, v); err != nil {
		return errors.Network(fmt.Errorf("error unmarshaling %T response: %w", req.Body, err))
	}
	return nil
}

// the reflection based decoder panics on some malformed inputs
func unmarshal(resp *api.Response, v interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed response: %v", r)
		}
	}()
	return resp.Unmarshal(v)
}

// Metadata for given topics. Empty topics means all topics.
func (p *Protocol) Metadata(ctx context.Context, topics []string, conn Conn) (*Metadata.Response, error) {
	req := Metadata.NewRequest(topics)
	resp := &Metadata.Response{}
	if err := p.roundTrip(ctx, conn, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// CreateTopic with default configs. Must be sent to the controller (any
// broker in a single broker cluster). Returns a KafkaError if the broker
// responds with an error code.
func (p *Protocol) CreateTopic(ctx context.Context, topic string, numPartitions int32, replicationFactor int16, conn Conn) error {
	req := CreateTopics.NewRequest(topic, numPartitions, replicationFactor, []CreateTopics.Config{})
	resp := &CreateTopics.Response{}
	if err := p.roundTrip(ctx, conn, req, resp); err != nil {
		return err
	}
	for _, t := range resp.Topics {
		if err := errors.Code(t.ErrorCode); err != nil {
			return fmt.Errorf("error creating topic %s: %s: %w", t.Name, t.ErrorMessage, err)
		}
	}
	return nil
}

// Special timestamps for OffsetRequest.
const (
	OffsetNewest int64 = ListOffsets.Newest
	OffsetOldest int64 = ListOffsets.Oldest
)

// OffsetRequest looks up offsets for partitions of one topic. Timestamp is
// ms since epoch, or OffsetNewest, or OffsetOldest.
type OffsetRequest struct {
	Topic      string
	Partitions []int32
	Timestamp  int64
}

func (r *OffsetRequest) request() *api.Request {
	partitions := make([]ListOffsets.RequestPartition, len(r.Partitions))
	for i, p := range r.Partitions {
		partitions[i] = ListOffsets.RequestPartition{Partition: p, Timestamp: r.Timestamp}
	}
	return &api.Request{
		ApiKey:     api.ListOffsets,
		ApiVersion: 2,
		Body: ListOffsets.RequestBody{
			ReplicaId: -1,
			Topics: []ListOffsets.RequestTopic{
				{Topic: r.Topic, Partitions: partitions},
			},
		},
	}
}

func (p *Protocol) ListOffsets(ctx context.Context, req *OffsetRequest, conn Conn) (*ListOffsets.Response, error) {
	resp := &ListOffsets.Response{}
	if err := p.roundTrip(ctx, conn, req.request(), resp); err != nil {
		return nil, err
	}
	level.Debug(p.Logger).Log("msg", "got offsets", "topic", req.Topic, "conn", conn)
	return resp, nil
}

// ProduceRequest sends one record set (one or more marshaled batches) to a
// single partition.
type ProduceRequest struct {
	Topic     string
	Partition int32
	// 0: no, 1: leader only, -1: all ISRs
	Acks      int16
	TimeoutMs int32
	RecordSet []byte
}

func (r *ProduceRequest) request() *api.Request {
	return &api.Request{
		ApiKey:     api.Produce,
		ApiVersion: 7,
		Body: Produce.Request{
			Acks:      r.Acks,
			TimeoutMs: r.TimeoutMs,
			TopicData: []Produce.TopicData{{
				Topic: r.Topic,
				Data:  []Produce.Data{{Partition: r.Partition, RecordSet: r.RecordSet}},
			}},
		},
	}
}

func (p *Protocol) Produce(ctx context.Context, req *ProduceRequest, conn Conn) (*Produce.Response, error) {
	resp := &Produce.Response{}
	if err := p.roundTrip(ctx, conn, req.request(), resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Fetch makes a single fetch call. On top of the server side MaxWaitTime the
// call has a client side deadline of FetchTimeout(MaxWaitTime); when it passes
// the returned error is a CanceledError, same as when ctx is canceled.
func (p *Protocol) Fetch(ctx context.Context, req *FetchRequest, conn Conn) (*FetchResponse, error) {
	p.init()
	ctx, cancel := context.WithTimeout(ctx, FetchTimeout(req.MaxWaitTime))
	defer cancel()
	r := &Fetch.Response{}
	if err := p.roundTrip(ctx, conn, req.request(), r); err != nil {
		return nil, err
	}
	resp, err := decodeFetchResponse(r, p.Decompressors)
	if err != nil {
		return nil, errors.Network(fmt.Errorf("error decoding fetch response from %v: %w", conn, err))
	}
	if resp.ErrorCode != errors.NONE {
		level.Warn(p.Logger).Log("msg", "fetch response error", "conn", conn, "code", errors.CodeName(resp.ErrorCode))
	}
	return resp, nil
}
