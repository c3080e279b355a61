package kafkafetch

import "fmt"

// TopicPartitionKey identifies one partition of one topic.
type TopicPartitionKey struct {
	Topic     string
	Partition int32
}

func (k TopicPartitionKey) String() string {
	return fmt.Sprintf("%s/%d", k.Topic, k.Partition)
}

// Message is a single record decomposed out of a fetch response. It is the
// unit delivered to partition subscribers.
type Message struct {
	Topic     string
	Partition int32
	Key       []byte
	Value     []byte
	Offset    int64
}

func (m *Message) TopicPartition() TopicPartitionKey {
	return TopicPartitionKey{Topic: m.Topic, Partition: m.Partition}
}

// PartitionError is emitted for every partition in a fetch response that
// carries an error code other than NONE.
type PartitionError struct {
	Topic     string
	Partition int32
	ErrorCode int16
}

func (e PartitionError) TopicPartition() TopicPartitionKey {
	return TopicPartitionKey{Topic: e.Topic, Partition: e.Partition}
}
