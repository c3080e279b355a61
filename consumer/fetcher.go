package consumer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rcrowley/go-metrics"
	"go.uber.org/atomic"

	"github.com/mkocikowski/kafkafetch"
	"github.com/mkocikowski/kafkafetch/broker"
	"github.com/mkocikowski/kafkafetch/errors"
	"github.com/mkocikowski/kafkafetch/protocol"
)

var ErrNoLeader = errors.New("no leader for partition")

// FetchConfig is shared by every request a Fetcher makes.
type FetchConfig struct {
	MaxWaitTimeMs    int32
	MinBytesPerFetch int32
	// Per partition.
	MaxBytesPerFetch int32
}

var DefaultFetchConfig = FetchConfig{
	MaxWaitTimeMs:    1000,
	MinBytesPerFetch: 1,
	MaxBytesPerFetch: 1 << 20,
}

// FetchProtocol is implemented by protocol.Protocol.
type FetchProtocol interface {
	Fetch(context.Context, *protocol.FetchRequest, protocol.Conn) (*protocol.FetchResponse, error)
}

type State int32

const (
	Created State = iota
	Running
	Completed
	Faulted
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Faulted:
		return "faulted"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var fetcherIds atomic.Int32

// Fetcher runs a single fetch loop against one broker for every partition
// subscribed to it. Each loop iteration sends one fetch request covering all
// subscribed partitions at their current offsets, then publishes the response
// as messages (per partition and to message subscribers) and as partition
// errors. A timed out fetch is retried. A network failure ends the loop: all
// subscribers get Fail and the Fetcher must be replaced.
//
// The fetch in flight runs under the loop's context, so Close and
// cancellation of the Start context abort it instead of waiting for the fetch
// deadline. Releasing a partition does not abort it: the response is still
// read, and messages for released partitions are dropped.
//
// Set public fields, then call Start. Subscribing before Start is fine.
type Fetcher struct {
	Broker   *broker.Broker
	Protocol FetchProtocol
	Config   FetchConfig
	Logger   log.Logger
	Metrics  metrics.Registry
	//
	initOnce  sync.Once
	closeOnce sync.Once
	id        int32
	logger    log.Logger
	wake      chan struct{}
	done      chan struct{}
	cancel    context.CancelFunc
	//
	mu            sync.Mutex
	state         State
	closed        bool
	err           error
	partitions    map[kafkafetch.TopicPartitionKey]Subscriber
	partitionSubs map[kafkafetch.TopicPartitionKey][]*subscription
	messageSubs   map[*subscription]struct{}
	errorSubs     map[*subscription]struct{}
	//
	requests   metrics.Meter
	timeouts   metrics.Counter
	emptyPolls metrics.Counter
	partErrors metrics.Counter
	perFetch   metrics.Histogram
}

func (f *Fetcher) init() {
	f.initOnce.Do(func() {
		f.id = fetcherIds.Inc()
		if f.Logger == nil {
			f.Logger = log.NewNopLogger()
		}
		f.logger = log.With(f.Logger, "fetcher", f.id, "broker", f.Broker)
		if f.Metrics == nil {
			f.Metrics = metrics.NewRegistry()
		}
		if f.Config == (FetchConfig{}) {
			f.Config = DefaultFetchConfig
		}
		f.wake = make(chan struct{}, 1)
		f.done = make(chan struct{})
		f.partitions = make(map[kafkafetch.TopicPartitionKey]Subscriber)
		f.partitionSubs = make(map[kafkafetch.TopicPartitionKey][]*subscription)
		f.messageSubs = make(map[*subscription]struct{})
		f.errorSubs = make(map[*subscription]struct{})
		f.requests = metrics.GetOrRegisterMeter("fetcher-requests", f.Metrics)
		f.timeouts = metrics.GetOrRegisterCounter("fetcher-timeouts", f.Metrics)
		f.emptyPolls = metrics.GetOrRegisterCounter("fetcher-empty-polls", f.Metrics)
		f.partErrors = metrics.GetOrRegisterCounter("fetcher-partition-errors", f.Metrics)
		f.perFetch = metrics.GetOrRegisterHistogram("fetcher-messages-per-response", f.Metrics,
			metrics.NewExpDecaySample(1028, 0.015))
	})
}

func (f *Fetcher) String() string {
	f.init()
	return fmt.Sprintf("fetcher %d (%v)", f.id, f.Broker)
}

// Start the fetch loop. It runs until ctx is canceled, Close is called, or
// the connection to the broker fails. Calling Start more than once, or after
// Close, does nothing.
func (f *Fetcher) Start(ctx context.Context) {
	f.init()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Created || f.closed {
		return
	}
	f.state = Running
	ctx, f.cancel = context.WithCancel(ctx)
	go f.run(ctx)
	level.Debug(f.logger).Log("msg", "started")
}

func (f *Fetcher) run(ctx context.Context) {
	defer close(f.done)
	for {
		if ctx.Err() != nil {
			f.terminate(Completed, nil)
			return
		}
		req := f.request()
		if req == nil {
			select {
			case <-f.wake:
			case <-ctx.Done():
			}
			continue
		}
		f.requests.Mark(1)
		resp, err := f.Protocol.Fetch(ctx, req, f.Broker.Conn)
		switch {
		case err == nil:
		case errors.IsCanceled(err):
			level.Info(f.logger).Log("msg", "fetch timed out", "partitions", req.NumPartitions(), "err", err)
			f.timeouts.Inc(1)
			continue
		case errors.IsNetwork(err):
			level.Info(f.logger).Log("msg", "connection failed", "err", err)
			f.terminate(Faulted, err)
			return
		default:
			level.Error(f.logger).Log("msg", "fetch failed", "err", err)
			f.terminate(Faulted, err)
			return
		}
		f.publish(resp)
	}
}

func (f *Fetcher) request() *protocol.FetchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return buildFetchRequest(f.Config, f.partitions)
}

// publish sends messages and partition errors to the subscribers registered
// at this moment. Error publication does not depend on there being messages.
func (f *Fetcher) publish(resp *protocol.FetchResponse) {
	if resp.HasMessages() {
		messages := Decompose(resp)
		f.perFetch.Update(int64(len(messages)))
		f.mu.Lock()
		byPartition := make(map[kafkafetch.TopicPartitionKey][]*subscription, len(f.partitionSubs))
		for k, subs := range f.partitionSubs {
			byPartition[k] = append([]*subscription(nil), subs...)
		}
		all := subscriptions(f.messageSubs)
		f.mu.Unlock()
		for i := range messages {
			m := &messages[i]
			for _, s := range byPartition[m.TopicPartition()] {
				s.deliver(m)
			}
			for _, s := range all {
				s.deliver(m)
			}
		}
	} else {
		f.emptyPolls.Inc(1)
	}
	if resp.HasErrors() {
		partErrors := PartitionErrors(resp)
		f.partErrors.Inc(int64(len(partErrors)))
		f.mu.Lock()
		subs := subscriptions(f.errorSubs)
		f.mu.Unlock()
		for _, e := range partErrors {
			level.Info(f.logger).Log("msg", "partition error", "partition", e.TopicPartition(), "code", errors.CodeName(e.ErrorCode))
			for _, s := range subs {
				s.partitionError(e)
			}
		}
	}
}

func subscriptions(m map[*subscription]struct{}) []*subscription {
	out := make([]*subscription, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	return out
}

// terminate moves the fetcher to its final state and sends the terminal
// notification to every subscriber, once.
func (f *Fetcher) terminate(state State, err error) {
	f.mu.Lock()
	if f.state == Completed || f.state == Faulted {
		f.mu.Unlock()
		return
	}
	f.state = state
	f.err = err
	subs := f.subscriptions()
	f.partitions = make(map[kafkafetch.TopicPartitionKey]Subscriber)
	f.partitionSubs = make(map[kafkafetch.TopicPartitionKey][]*subscription)
	f.messageSubs = make(map[*subscription]struct{})
	f.errorSubs = make(map[*subscription]struct{})
	f.mu.Unlock()
	for _, s := range subs {
		s.terminate(err)
	}
	level.Debug(f.logger).Log("msg", "terminated", "state", state, "subscribers", len(subs))
}

// subscriptions of every view. Called with f.mu held.
func (f *Fetcher) subscriptions() []*subscription {
	var subs []*subscription
	for _, s := range f.partitionSubs {
		subs = append(subs, s...)
	}
	subs = append(subs, subscriptions(f.messageSubs)...)
	return append(subs, subscriptions(f.errorSubs)...)
}

// terminated returns true and the error if the fetcher is done. Called with
// f.mu held.
func (f *Fetcher) terminated() (bool, error) {
	switch f.state {
	case Completed:
		return true, nil
	case Faulted:
		return true, f.err
	}
	return false, nil
}

func (f *Fetcher) signal() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Subscribe adds the partition to the set fetched by this fetcher and
// registers s for its messages. Adding a partition that is already there
// registers one more sink; releasing any of the handles for a partition
// removes the partition and all of its sinks. Subscribing to a terminated or
// closed fetcher sends s the terminal notification right away.
func (f *Fetcher) Subscribe(s Subscriber) Releaser {
	f.init()
	key := keyOf(s)
	sub := newSubscription(s, nil)
	f.mu.Lock()
	if ok, err := f.terminated(); ok || f.closed {
		f.mu.Unlock()
		sub.terminate(err)
		return nopReleaser{}
	}
	if _, ok := f.partitions[key]; !ok {
		f.partitions[key] = s
	}
	f.partitionSubs[key] = append(f.partitionSubs[key], sub)
	f.mu.Unlock()
	f.signal()
	level.Debug(f.logger).Log("msg", "subscribed", "partition", key, "offset", s.CurrentOffset())
	return &releaseFunc{f: func() { f.unsubscribe(key) }}
}

func (f *Fetcher) unsubscribe(key kafkafetch.TopicPartitionKey) {
	f.mu.Lock()
	delete(f.partitions, key)
	subs := f.partitionSubs[key]
	delete(f.partitionSubs, key)
	f.mu.Unlock()
	for _, s := range subs {
		s.release()
	}
	level.Debug(f.logger).Log("msg", "released", "partition", key)
}

// SubscribeMessages registers s for the messages of every partition.
func (f *Fetcher) SubscribeMessages(s MessageSink) Releaser {
	return f.subscribeView(newSubscription(s, nil), func() map[*subscription]struct{} { return f.messageSubs })
}

// SubscribePartitionErrors registers s for the partition error view.
func (f *Fetcher) SubscribePartitionErrors(s PartitionErrorSink) Releaser {
	return f.subscribeView(newSubscription(nil, s), func() map[*subscription]struct{} { return f.errorSubs })
}

func (f *Fetcher) subscribeView(sub *subscription, view func() map[*subscription]struct{}) Releaser {
	f.init()
	f.mu.Lock()
	if ok, err := f.terminated(); ok || f.closed {
		f.mu.Unlock()
		sub.terminate(err)
		return nopReleaser{}
	}
	view()[sub] = struct{}{}
	f.mu.Unlock()
	return &releaseFunc{f: func() {
		f.mu.Lock()
		delete(view(), sub)
		f.mu.Unlock()
		sub.release()
	}}
}

// AllListeningPartitions returns a sorted snapshot of the subscribed set.
func (f *Fetcher) AllListeningPartitions() []kafkafetch.TopicPartitionKey {
	f.init()
	f.mu.Lock()
	keys := make([]kafkafetch.TopicPartitionKey, 0, len(f.partitions))
	for k := range f.partitions {
		keys = append(keys, k)
	}
	f.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Topic != keys[j].Topic {
			return keys[i].Topic < keys[j].Topic
		}
		return keys[i].Partition < keys[j].Partition
	})
	return keys
}

func (f *Fetcher) State() State {
	f.init()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Err is the error the loop failed with. Nil unless State is Faulted.
func (f *Fetcher) Err() error {
	f.init()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Done is closed when the fetch loop exits.
func (f *Fetcher) Done() <-chan struct{} {
	f.init()
	return f.done
}

// Close stops the fetch loop and waits for it to exit. A fetch in flight is
// aborted rather than left to run out its long poll, and a delivery blocked on
// a slow sink is interrupted. Subscribers that are still registered get Done.
// Nothing is delivered after Close returns. Safe to call more than once.
func (f *Fetcher) Close() error {
	f.init()
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		started := f.state != Created
		if !started {
			// no loop to wait for
			close(f.done)
		}
		subs := f.subscriptions()
		f.mu.Unlock()
		if started {
			f.cancel()
			for _, s := range subs {
				s.interrupt()
			}
			<-f.done
		}
		f.terminate(Completed, nil)
	})
	return nil
}
