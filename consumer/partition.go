package consumer

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mkocikowski/kafkafetch"
	"github.com/mkocikowski/kafkafetch/errors"
	"github.com/mkocikowski/kafkafetch/protocol"
)

// StartLocation is where consumption of a partition starts when there is no
// usable offset: initially, and after OFFSET_OUT_OF_RANGE.
type StartLocation int

const (
	StartOldest StartLocation = iota
	StartNewest
)

// Timestamp for the ListOffsets call.
func (l StartLocation) Timestamp() int64 {
	if l == StartNewest {
		return protocol.OffsetNewest
	}
	return protocol.OffsetOldest
}

func (l StartLocation) String() string {
	if l == StartNewest {
		return "newest"
	}
	return "oldest"
}

// ParseStartLocation accepts "oldest" and "newest".
func ParseStartLocation(s string) (StartLocation, error) {
	switch strings.ToLower(s) {
	case "oldest", "":
		return StartOldest, nil
	case "newest":
		return StartNewest, nil
	}
	return StartOldest, errors.Format("invalid start location %q", s)
}

// PartitionFetchState is the fetch cursor of a single partition: the offset
// of the next message to fetch. Safe for concurrent use.
type PartitionFetchState struct {
	PartId        int32
	StartLocation StartLocation
	//
	mu     sync.Mutex
	offset int64
}

func NewPartitionFetchState(partId int32, start StartLocation, offset int64) *PartitionFetchState {
	return &PartitionFetchState{PartId: partId, StartLocation: start, offset: offset}
}

func (s *PartitionFetchState) Offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

func (s *PartitionFetchState) SetOffset(offset int64) {
	s.mu.Lock()
	s.offset = offset
	s.mu.Unlock()
}

func (s *PartitionFetchState) String() string {
	return fmt.Sprintf("%d@%d", s.PartId, s.Offset())
}

const DefaultBufferSize = 1024

// TopicPartition is a Subscriber that advances its fetch state as messages
// are delivered and hands them out on a channel. Messages at offsets lower
// than the current one are dropped: brokers return whole batches, so the
// first batch of a response may start before the requested offset.
type TopicPartition struct {
	topic    string
	state    *PartitionFetchState
	messages chan *kafkafetch.Message
	closing  chan struct{}
	//
	closeOnce sync.Once
	termOnce  sync.Once
	mu        sync.Mutex
	err       error
}

// NewTopicPartition with a messages channel of the given size (if <= 0 then
// DefaultBufferSize).
func NewTopicPartition(topic string, state *PartitionFetchState, buffer int) *TopicPartition {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &TopicPartition{
		topic:    topic,
		state:    state,
		messages: make(chan *kafkafetch.Message, buffer),
		closing:  make(chan struct{}),
	}
}

func (p *TopicPartition) Topic() string                     { return p.topic }
func (p *TopicPartition) Partition() int32                  { return p.state.PartId }
func (p *TopicPartition) CurrentOffset() int64              { return p.state.Offset() }
func (p *TopicPartition) State() *PartitionFetchState       { return p.state }
func (p *TopicPartition) Key() kafkafetch.TopicPartitionKey { return keyOf(p) }

func (p *TopicPartition) String() string {
	return fmt.Sprintf("%s/%v", p.topic, p.state)
}

// Deliver blocks until there is room on the messages channel, the partition
// is closed, or ctx is done. An undelivered message does not advance the
// offset.
func (p *TopicPartition) Deliver(ctx context.Context, m *kafkafetch.Message) {
	if m.Offset < p.state.Offset() {
		return
	}
	select {
	case p.messages <- m:
		p.state.SetOffset(m.Offset + 1)
	case <-p.closing:
	case <-ctx.Done():
	}
}

func (p *TopicPartition) Fail(err error) {
	p.termOnce.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.messages)
	})
}

func (p *TopicPartition) Done() {
	p.termOnce.Do(func() { close(p.messages) })
}

// Messages is closed after the fetcher fails or is closed. Check Err then.
func (p *TopicPartition) Messages() <-chan *kafkafetch.Message {
	return p.messages
}

// Err is the error the fetcher failed with, or nil.
func (p *TopicPartition) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close unblocks a pending Deliver. Messages still buffered stay readable.
// Release the subscription separately.
func (p *TopicPartition) Close() error {
	p.closeOnce.Do(func() { close(p.closing) })
	return nil
}
