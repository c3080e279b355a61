package consumer

import (
	"sort"

	"github.com/mkocikowski/kafkafetch"
	"github.com/mkocikowski/kafkafetch/errors"
	"github.com/mkocikowski/kafkafetch/protocol"
)

// Decompose flattens a fetch response into messages, in response order
// (topic, then partition, then offset). All messages share one allocation.
func Decompose(resp *protocol.FetchResponse) []kafkafetch.Message {
	var n int
	for _, t := range resp.Topics {
		for _, p := range t.Partitions {
			n += len(p.Messages)
		}
	}
	messages := make([]kafkafetch.Message, 0, n)
	for _, t := range resp.Topics {
		for _, p := range t.Partitions {
			for _, m := range p.Messages {
				messages = append(messages, kafkafetch.Message{
					Topic:     t.Topic,
					Partition: p.Partition,
					Key:       m.Key,
					Value:     m.Value,
					Offset:    m.Offset,
				})
			}
		}
	}
	return messages
}

// PartitionErrors returns one entry per partition with a non NONE error code.
func PartitionErrors(resp *protocol.FetchResponse) []kafkafetch.PartitionError {
	var out []kafkafetch.PartitionError
	for _, t := range resp.Topics {
		for _, p := range t.Partitions {
			if p.ErrorCode == errors.NONE {
				continue
			}
			out = append(out, kafkafetch.PartitionError{
				Topic:     t.Topic,
				Partition: p.Partition,
				ErrorCode: p.ErrorCode,
			})
		}
	}
	return out
}

// buildFetchRequest groups subscribers by topic. Topics and partitions are
// sorted so that requests are deterministic. Returns nil if there are no
// subscribers.
func buildFetchRequest(config FetchConfig, subscribers map[kafkafetch.TopicPartitionKey]Subscriber) *protocol.FetchRequest {
	if len(subscribers) == 0 {
		return nil
	}
	byTopic := make(map[string][]protocol.FetchPartition)
	for key, s := range subscribers {
		byTopic[key.Topic] = append(byTopic[key.Topic], protocol.FetchPartition{
			Partition:   key.Partition,
			FetchOffset: s.CurrentOffset(),
			MaxBytes:    config.MaxBytesPerFetch,
		})
	}
	req := &protocol.FetchRequest{
		MaxWaitTime: config.MaxWaitTimeMs,
		MinBytes:    config.MinBytesPerFetch,
		Topics:      make([]protocol.FetchTopic, 0, len(byTopic)),
	}
	for topic, partitions := range byTopic {
		sort.Slice(partitions, func(i, j int) bool { return partitions[i].Partition < partitions[j].Partition })
		req.Topics = append(req.Topics, protocol.FetchTopic{Topic: topic, Partitions: partitions})
	}
	sort.Slice(req.Topics, func(i, j int) bool { return req.Topics[i].Topic < req.Topics[j].Topic })
	return req
}
