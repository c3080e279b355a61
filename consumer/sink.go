package consumer

import (
	"context"
	"sync"

	"github.com/mkocikowski/kafkafetch"
)

// MessageSink receives decomposed messages. Calls come from the fetch loop
// goroutine, one at a time, in the order the broker returned the messages.
// A slow sink slows down fetching for every partition of its Fetcher. A sink
// must not release its own subscription from inside these calls.
//
// Deliver may block, but must return once ctx is done: ctx is canceled when
// the subscription is released or the fetcher is closed.
type MessageSink interface {
	Deliver(ctx context.Context, m *kafkafetch.Message)
	// Fail is called once if the fetch loop dies. No calls follow.
	Fail(error)
	// Done is called once when the fetcher is closed. No calls follow.
	Done()
}

// PartitionErrorSink receives the partition error view: one PartitionError
// for every partition in a fetch response with an error code other than NONE.
type PartitionErrorSink interface {
	PartitionError(kafkafetch.PartitionError)
	Fail(error)
	Done()
}

// Subscriber is a topic partition that can be subscribed to a Fetcher. The
// fetcher reads CurrentOffset when it builds each fetch request. Advancing the
// offset is up to the subscriber.
type Subscriber interface {
	Topic() string
	Partition() int32
	CurrentOffset() int64
	MessageSink
}

func keyOf(s Subscriber) kafkafetch.TopicPartitionKey {
	return kafkafetch.TopicPartitionKey{Topic: s.Topic(), Partition: s.Partition()}
}

// Releaser is returned by the Fetcher subscribe calls. Release detaches the
// sink; once Release returns the sink gets no more calls. Idempotent.
type Releaser interface {
	Release()
}

type releaseFunc struct {
	once sync.Once
	f    func()
}

func (r *releaseFunc) Release() {
	r.once.Do(r.f)
}

type nopReleaser struct{}

func (nopReleaser) Release() {}

// subscription guards a single sink. Deliveries and release are serialized on
// the mutex so that nothing is delivered after release returns. The context
// is canceled before the mutex is taken, which unblocks a pending Deliver.
type subscription struct {
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	released bool
	messages MessageSink
	errors   PartitionErrorSink
}

func newSubscription(messages MessageSink, errors PartitionErrorSink) *subscription {
	ctx, cancel := context.WithCancel(context.Background())
	return &subscription{ctx: ctx, cancel: cancel, messages: messages, errors: errors}
}

func (s *subscription) deliver(m *kafkafetch.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released || s.ctx.Err() != nil {
		return
	}
	s.messages.Deliver(s.ctx, m)
}

func (s *subscription) partitionError(e kafkafetch.PartitionError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released || s.ctx.Err() != nil {
		return
	}
	s.errors.PartitionError(e)
}

// terminate sends the terminal notification (Fail if err != nil, otherwise
// Done) and releases the subscription. An interrupted subscription still gets
// its terminal notification.
func (s *subscription) terminate(err error) {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.released = true
	switch {
	case s.messages != nil && err != nil:
		s.messages.Fail(err)
	case s.messages != nil:
		s.messages.Done()
	case s.errors != nil && err != nil:
		s.errors.Fail(err)
	case s.errors != nil:
		s.errors.Done()
	}
}

// interrupt stops deliveries in progress and any that follow, without the
// terminal notification.
func (s *subscription) interrupt() {
	s.cancel()
}

func (s *subscription) release() {
	s.cancel()
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
}
