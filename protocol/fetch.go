package protocol

import (
	"fmt"
	"math"
	"time"

	"github.com/mkocikowski/libkafka/api"
	"github.com/mkocikowski/libkafka/api/Fetch"
	"github.com/mkocikowski/libkafka/batch"
	"github.com/mkocikowski/libkafka/compression"
	"github.com/mkocikowski/libkafka/record"

	"github.com/mkocikowski/kafkafetch/errors"
)

// FetchTimeout is the client side deadline for a fetch with the given server
// side max wait time. A broker that accepted the connection but stopped
// responding is invisible to the transport, so without a deadline a fetch to
// it would never return.
func FetchTimeout(maxWaitTimeMs int32) time.Duration {
	ms := int64(maxWaitTimeMs) + 3000
	if ms < 5000 {
		ms = 5000
	}
	return time.Duration(ms) * time.Millisecond
}

// FetchRequest fetches from multiple topics and partitions in one call.
type FetchRequest struct {
	MaxWaitTime int32 // ms
	MinBytes    int32
	Topics      []FetchTopic
}

type FetchTopic struct {
	Topic      string
	Partitions []FetchPartition
}

type FetchPartition struct {
	Partition   int32
	FetchOffset int64
	MaxBytes    int32
}

// NumPartitions across all topics.
func (r *FetchRequest) NumPartitions() int {
	var n int
	for _, t := range r.Topics {
		n += len(t.Partitions)
	}
	return n
}

func (r *FetchRequest) request() *api.Request {
	var maxBytes int64
	topics := make([]Fetch.Topic, len(r.Topics))
	for i, t := range r.Topics {
		partitions := make([]Fetch.Partition, len(t.Partitions))
		for j, p := range t.Partitions {
			partitions[j] = Fetch.Partition{
				Partition:         p.Partition,
				FetchOffset:       p.FetchOffset,
				LogStartOffset:    -1,
				PartitionMaxBytes: p.MaxBytes,
			}
			maxBytes += int64(p.MaxBytes)
		}
		topics[i] = Fetch.Topic{Topic: t.Topic, Partitions: partitions}
	}
	if maxBytes > math.MaxInt32 {
		maxBytes = math.MaxInt32
	}
	return &api.Request{
		ApiKey:     api.Fetch,
		ApiVersion: 6,
		Body: Fetch.Request{
			ReplicaId:     -1,
			MaxWaitTimeMs: r.MaxWaitTime,
			MinBytes:      r.MinBytes,
			MaxBytes:      int32(maxBytes),
			Topics:        topics,
		},
	}
}

// FetchResponse is the decoded response to a FetchRequest: record batches
// are already decompressed and split into individual messages.
type FetchResponse struct {
	ThrottleTimeMs int32
	ErrorCode      int16
	Topics         []FetchTopicResponse
}

type FetchTopicResponse struct {
	Topic      string
	Partitions []FetchPartitionResponse
}

type FetchPartitionResponse struct {
	Partition     int32
	ErrorCode     int16
	HighWatermark int64
	Messages      []Message
}

// Message in the order returned by the broker. Offset is absolute.
type Message struct {
	Key    []byte
	Value  []byte
	Offset int64
}

// HasMessages returns true if any partition of any topic has at least one
// message. Responses to long polls that timed out have none.
func (r *FetchResponse) HasMessages() bool {
	for _, t := range r.Topics {
		for _, p := range t.Partitions {
			if len(p.Messages) > 0 {
				return true
			}
		}
	}
	return false
}

// HasErrors returns true if any partition carries an error code.
func (r *FetchResponse) HasErrors() bool {
	for _, t := range r.Topics {
		for _, p := range t.Partitions {
			if p.ErrorCode != errors.NONE {
				return true
			}
		}
	}
	return false
}

var ErrCodecNotFound = errors.New("codec not found")

const controlBatch = 0x20

func decodeFetchResponse(r *Fetch.Response, decompressors map[int16]batch.Decompressor) (*FetchResponse, error) {
	resp := &FetchResponse{
		ThrottleTimeMs: r.ThrottleTimeMs,
		ErrorCode:      r.ErrorCode,
		Topics:         make([]FetchTopicResponse, len(r.TopicResponses)),
	}
	for i, t := range r.TopicResponses {
		partitions := make([]FetchPartitionResponse, len(t.PartitionResponses))
		for j, p := range t.PartitionResponses {
			messages, err := decodeRecordSet(p.RecordSet, decompressors)
			if err != nil {
				return nil, fmt.Errorf("topic %s partition %d: %w", t.Topic, p.Partition, err)
			}
			partitions[j] = FetchPartitionResponse{
				Partition:     p.Partition,
				ErrorCode:     p.ErrorCode,
				HighWatermark: p.HighWatermark,
				Messages:      messages,
			}
		}
		resp.Topics[i] = FetchTopicResponse{Topic: t.Topic, Partitions: partitions}
	}
	return resp, nil
}

// decodeRecordSet returns messages from all complete batches in the set. The
// last batch may be truncated by the broker (max bytes); it is skipped and
// will be fetched in full on the next request.
func decodeRecordSet(set []byte, decompressors map[int16]batch.Decompressor) (messages []Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			messages, err = nil, fmt.Errorf("malformed record: %v", r)
		}
	}()
	for _, b := range batch.RecordSet(set).Batches() {
		recordBatch, err := batch.Unmarshal(b)
		if err != nil {
			return nil, fmt.Errorf("error unmarshaling batch: %w", err)
		}
		if recordBatch.Attributes&controlBatch != 0 {
			continue // transaction markers
		}
		if t := recordBatch.CompressionType(); t != compression.None {
			d := decompressors[t]
			if d == nil {
				return nil, fmt.Errorf("compression type %d: %w", t, ErrCodecNotFound)
			}
			if err := recordBatch.Decompress(d); err != nil {
				return nil, err
			}
		}
		for _, m := range recordBatch.Records() {
			r, err := record.Unmarshal(m)
			if err != nil {
				return nil, fmt.Errorf("error unmarshaling record: %w", err)
			}
			messages = append(messages, Message{
				Key:    r.Key,
				Value:  r.Value,
				Offset: recordBatch.BaseOffset + r.OffsetDelta,
			})
		}
	}
	return messages, nil
}
