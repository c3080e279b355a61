package consumer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/mkocikowski/kafkafetch"
	"github.com/mkocikowski/kafkafetch/broker"
	"github.com/mkocikowski/kafkafetch/errors"
	"github.com/mkocikowski/kafkafetch/protocol"
)

type fetchResult struct {
	resp *protocol.FetchResponse
	err  error
}

// fakeProtocol hands out queued results. With nothing queued a fetch blocks
// until its ctx ends, like a long poll against an idle broker.
type fakeProtocol struct {
	requests chan *protocol.FetchRequest
	results  chan fetchResult
}

func newFakeProtocol() *fakeProtocol {
	return &fakeProtocol{
		requests: make(chan *protocol.FetchRequest, 100),
		results:  make(chan fetchResult, 100),
	}
}

func (p *fakeProtocol) Fetch(ctx context.Context, req *protocol.FetchRequest, conn protocol.Conn) (*protocol.FetchResponse, error) {
	p.requests <- req
	select {
	case r := <-p.results:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, errors.Canceled(ctx.Err())
	}
}

func (p *fakeProtocol) respond(resp *protocol.FetchResponse) {
	p.results <- fetchResult{resp: resp}
}

func (p *fakeProtocol) fail(err error) {
	p.results <- fetchResult{err: err}
}

func (p *fakeProtocol) nextRequest(t *testing.T) *protocol.FetchRequest {
	t.Helper()
	select {
	case req := <-p.requests:
		return req
	case <-time.After(time.Second):
		t.Fatal("no fetch request")
	}
	return nil
}

func response(topic string, partitions ...protocol.FetchPartitionResponse) *protocol.FetchResponse {
	return &protocol.FetchResponse{
		Topics: []protocol.FetchTopicResponse{{Topic: topic, Partitions: partitions}},
	}
}

func messagesAt(partition int32, offsets ...int64) protocol.FetchPartitionResponse {
	p := protocol.FetchPartitionResponse{Partition: partition}
	for _, o := range offsets {
		p.Messages = append(p.Messages, protocol.Message{Value: []byte(fmt.Sprintf("m%d", o)), Offset: o})
	}
	return p
}

// chanSink implements MessageSink and PartitionErrorSink.
type chanSink struct {
	messages chan *kafkafetch.Message
	errors   chan kafkafetch.PartitionError
	terminal chan error
}

func newChanSink() *chanSink {
	return &chanSink{
		messages: make(chan *kafkafetch.Message, 100),
		errors:   make(chan kafkafetch.PartitionError, 100),
		terminal: make(chan error, 10),
	}
}

func (s *chanSink) Deliver(ctx context.Context, m *kafkafetch.Message) {
	select {
	case s.messages <- m:
	case <-ctx.Done():
	}
}

func (s *chanSink) PartitionError(e kafkafetch.PartitionError) { s.errors <- e }
func (s *chanSink) Fail(err error)                             { s.terminal <- err }
func (s *chanSink) Done()                                      { s.terminal <- nil }

func receive(t *testing.T, ch <-chan *kafkafetch.Message) *kafkafetch.Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return m
	case <-time.After(time.Second):
		t.Fatal("no message")
	}
	return nil
}

func waitClosed(t *testing.T, ch <-chan *kafkafetch.Message) {
	t.Helper()
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-time.After(time.Second):
			t.Fatal("channel not closed")
		}
	}
}

func newTestFetcher(p FetchProtocol) *Fetcher {
	return &Fetcher{
		Broker:   broker.NewBroker("test", 9092, 1, nil),
		Protocol: p,
		Config:   FetchConfig{MaxWaitTimeMs: 100, MinBytesPerFetch: 1, MaxBytesPerFetch: 1 << 10},
		Metrics:  metrics.NewRegistry(),
	}
}

func newPartition(topic string, partition int32, offset int64) *TopicPartition {
	return NewTopicPartition(topic, NewPartitionFetchState(partition, StartOldest, offset), 10)
}

func TestUnitFetcherDeliversToPartition(t *testing.T) {
	p := newFakeProtocol()
	f := newTestFetcher(p)
	tp := newPartition("orders", 0, 0)
	f.Subscribe(tp)
	errs := newChanSink()
	f.SubscribePartitionErrors(errs)
	f.Start(context.Background())
	req := p.nextRequest(t)
	if n := req.NumPartitions(); n != 1 {
		t.Fatal(n)
	}
	if o := req.Topics[0].Partitions[0].FetchOffset; o != 0 {
		t.Fatal(o)
	}
	p.respond(response("orders", messagesAt(0, 10, 11)))
	for _, want := range []int64{10, 11} {
		m := receive(t, tp.Messages())
		if m.Offset != want || m.Topic != "orders" || m.Partition != 0 {
			t.Fatalf("%+v", m)
		}
	}
	// next request continues from where the last one ended
	req = p.nextRequest(t)
	if o := req.Topics[0].Partitions[0].FetchOffset; o != 12 {
		t.Fatal(o)
	}
	if n := len(tp.Messages()) + len(errs.errors); n != 0 {
		t.Fatal(n)
	}
	f.Close()
	waitClosed(t, tp.Messages())
	if err := tp.Err(); err != nil {
		t.Fatal(err)
	}
	if s := f.State(); s != Completed {
		t.Fatal(s)
	}
}

func TestUnitFetcherPartitionErrorWithoutMessages(t *testing.T) {
	p := newFakeProtocol()
	f := newTestFetcher(p)
	defer f.Close()
	f.Subscribe(newPartition("orders", 0, 0))
	f.Subscribe(newPartition("orders", 1, 0))
	all := newChanSink()
	f.SubscribeMessages(all)
	errs := newChanSink()
	f.SubscribePartitionErrors(errs)
	f.Start(context.Background())
	p.nextRequest(t)
	p.respond(response("orders",
		messagesAt(0, 0),
		protocol.FetchPartitionResponse{Partition: 1, ErrorCode: errors.NOT_LEADER_FOR_PARTITION},
	))
	if m := receive(t, all.messages); m.Partition != 0 || m.Offset != 0 {
		t.Fatalf("%+v", m)
	}
	select {
	case e := <-errs.errors:
		if e.Topic != "orders" || e.Partition != 1 || e.ErrorCode != errors.NOT_LEADER_FOR_PARTITION {
			t.Fatalf("%+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no partition error")
	}
	// partition 0 had no error, so it is not reported
	p.nextRequest(t)
	if n := len(errs.errors); n != 0 {
		t.Fatal(n)
	}
}

func TestUnitFetcherErrorOnlyResponse(t *testing.T) {
	p := newFakeProtocol()
	f := newTestFetcher(p)
	defer f.Close()
	f.Subscribe(newPartition("orders", 0, 0))
	errs := newChanSink()
	f.SubscribePartitionErrors(errs)
	f.Start(context.Background())
	p.nextRequest(t)
	p.respond(response("orders", protocol.FetchPartitionResponse{Partition: 0, ErrorCode: errors.OFFSET_OUT_OF_RANGE}))
	select {
	case e := <-errs.errors:
		if e.ErrorCode != errors.OFFSET_OUT_OF_RANGE {
			t.Fatalf("%+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no partition error")
	}
}

func TestUnitFetcherTimeoutDoesNotTerminate(t *testing.T) {
	p := newFakeProtocol()
	f := newTestFetcher(p)
	defer f.Close()
	tp := newPartition("orders", 0, 0)
	f.Subscribe(tp)
	f.Start(context.Background())
	p.fail(errors.Canceled(context.DeadlineExceeded))
	p.respond(response("orders", messagesAt(0, 0)))
	if m := receive(t, tp.Messages()); m.Offset != 0 {
		t.Fatal(m.Offset)
	}
	if s := f.State(); s != Running {
		t.Fatal(s)
	}
	if n := metrics.GetOrRegisterCounter("fetcher-timeouts", f.Metrics).Count(); n != 1 {
		t.Fatal(n)
	}
}

func TestUnitFetcherNetworkFailure(t *testing.T) {
	p := newFakeProtocol()
	f := newTestFetcher(p)
	tp0 := newPartition("orders", 0, 0)
	tp1 := newPartition("orders", 1, 0)
	f.Subscribe(tp0)
	f.Subscribe(tp1)
	all := newChanSink()
	f.SubscribeMessages(all)
	errs := newChanSink()
	f.SubscribePartitionErrors(errs)
	f.Start(context.Background())
	p.fail(errors.Network(fmt.Errorf("connection reset")))
	select {
	case <-f.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not exit")
	}
	for _, tp := range []*TopicPartition{tp0, tp1} {
		waitClosed(t, tp.Messages())
		if !errors.IsNetwork(tp.Err()) {
			t.Fatal(tp.Err())
		}
	}
	for _, s := range []*chanSink{all, errs} {
		if n := len(s.terminal); n != 1 {
			t.Fatal(n)
		}
		if err := <-s.terminal; !errors.IsNetwork(err) {
			t.Fatal(err)
		}
	}
	if s := f.State(); s != Faulted {
		t.Fatal(s)
	}
	if !errors.IsNetwork(f.Err()) {
		t.Fatal(f.Err())
	}
	// late subscribers are told right away
	late := newChanSink()
	f.SubscribeMessages(late)
	if err := <-late.terminal; !errors.IsNetwork(err) {
		t.Fatal(err)
	}
	// closing a failed fetcher does not notify anyone again
	f.Close()
	if n := len(all.terminal) + len(errs.terminal) + len(late.terminal); n != 0 {
		t.Fatal(n)
	}
}

func TestUnitFetcherOtherErrorFaults(t *testing.T) {
	p := newFakeProtocol()
	f := newTestFetcher(p)
	tp := newPartition("orders", 0, 0)
	f.Subscribe(tp)
	f.Start(context.Background())
	p.fail(fmt.Errorf("unexpected"))
	waitClosed(t, tp.Messages())
	if tp.Err() == nil {
		t.Fatal("expected error")
	}
	if s := f.State(); s != Faulted {
		t.Fatal(s)
	}
}

func TestUnitFetcherRelease(t *testing.T) {
	p := newFakeProtocol()
	f := newTestFetcher(p)
	defer f.Close()
	tp0 := newPartition("orders", 0, 0)
	tp1 := newPartition("orders", 1, 0)
	r0 := f.Subscribe(tp0)
	f.Subscribe(tp1)
	f.Start(context.Background())
	if n := p.nextRequest(t).NumPartitions(); n != 2 {
		t.Fatal(n)
	}
	// released while the fetch is in flight
	r0.Release()
	r0.Release()
	p.respond(response("orders", messagesAt(0, 0), messagesAt(1, 0)))
	if m := receive(t, tp1.Messages()); m.Partition != 1 {
		t.Fatal(m.Partition)
	}
	if n := len(tp0.Messages()); n != 0 {
		t.Fatal(n)
	}
	req := p.nextRequest(t)
	if n := req.NumPartitions(); n != 1 || req.Topics[0].Partitions[0].Partition != 1 {
		t.Fatalf("%+v", req)
	}
	keys := f.AllListeningPartitions()
	if len(keys) != 1 || keys[0] != (kafkafetch.TopicPartitionKey{Topic: "orders", Partition: 1}) {
		t.Fatal(keys)
	}
}

// returns fails the test if f does not return within a second.
func returns(t *testing.T, f func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		f()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("blocked")
	}
}

// blockedPartition subscribes a partition with room for one message and sends
// three, so that the loop blocks delivering the second.
func blockedPartition(t *testing.T, p *fakeProtocol, f *Fetcher) (*TopicPartition, Releaser) {
	t.Helper()
	tp := NewTopicPartition("orders", NewPartitionFetchState(0, StartOldest, 0), 1)
	r := f.Subscribe(tp)
	f.Start(context.Background())
	p.nextRequest(t)
	p.respond(response("orders", messagesAt(0, 0, 1, 2)))
	for i := 0; len(tp.Messages()) == 0; i++ {
		if i == 100 {
			t.Fatal("no message")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return tp, r
}

func TestUnitFetcherReleaseBlockedPartition(t *testing.T) {
	p := newFakeProtocol()
	f := newTestFetcher(p)
	defer f.Close()
	tp, r := blockedPartition(t, p, f)
	returns(t, r.Release)
	if n := len(f.AllListeningPartitions()); n != 0 {
		t.Fatal(n)
	}
	// only the message that was handed out counts
	if o := tp.CurrentOffset(); o != 1 {
		t.Fatal(o)
	}
	if m := <-tp.Messages(); m.Offset != 0 {
		t.Fatal(m.Offset)
	}
	if n := len(tp.Messages()); n != 0 {
		t.Fatal(n)
	}
	// the loop is free to take new subscriptions
	tp1 := newPartition("orders", 1, 0)
	f.Subscribe(tp1)
	if n := p.nextRequest(t).NumPartitions(); n != 1 {
		t.Fatal(n)
	}
	p.respond(response("orders", messagesAt(1, 0)))
	receive(t, tp1.Messages())
}

func TestUnitFetcherCloseBlockedPartition(t *testing.T) {
	p := newFakeProtocol()
	f := newTestFetcher(p)
	tp, _ := blockedPartition(t, p, f)
	returns(t, func() { f.Close() })
	if s := f.State(); s != Completed {
		t.Fatal(s)
	}
	if m := receive(t, tp.Messages()); m.Offset != 0 {
		t.Fatal(m.Offset)
	}
	waitClosed(t, tp.Messages())
	if err := tp.Err(); err != nil {
		t.Fatal(err)
	}
	// subscribing after close gets the terminal notification only
	late := newChanSink()
	f.SubscribeMessages(late)
	if err := <-late.terminal; err != nil {
		t.Fatal(err)
	}
}

func TestUnitFetcherDuplicateSubscription(t *testing.T) {
	p := newFakeProtocol()
	f := newTestFetcher(p)
	defer f.Close()
	a := newPartition("orders", 0, 0)
	b := newPartition("orders", 0, 0)
	ra := f.Subscribe(a)
	f.Subscribe(b)
	if n := len(f.AllListeningPartitions()); n != 1 {
		t.Fatal(n)
	}
	f.Start(context.Background())
	if n := p.nextRequest(t).NumPartitions(); n != 1 {
		t.Fatal(n)
	}
	p.respond(response("orders", messagesAt(0, 0)))
	receive(t, a.Messages())
	receive(t, b.Messages())
	// releasing either handle removes the partition
	ra.Release()
	if n := len(f.AllListeningPartitions()); n != 0 {
		t.Fatal(n)
	}
}

func TestUnitFetcherRequestGrouping(t *testing.T) {
	p := newFakeProtocol()
	f := newTestFetcher(p)
	defer f.Close()
	f.Subscribe(newPartition("payments", 0, 7))
	f.Subscribe(newPartition("orders", 1, 5))
	f.Subscribe(newPartition("orders", 0, 3))
	f.Start(context.Background())
	req := p.nextRequest(t)
	if req.MaxWaitTime != 100 || req.MinBytes != 1 {
		t.Fatalf("%+v", req)
	}
	if n := len(req.Topics); n != 2 {
		t.Fatal(n)
	}
	orders, payments := req.Topics[0], req.Topics[1]
	if orders.Topic != "orders" || payments.Topic != "payments" {
		t.Fatalf("%+v", req.Topics)
	}
	want := []protocol.FetchPartition{
		{Partition: 0, FetchOffset: 3, MaxBytes: 1 << 10},
		{Partition: 1, FetchOffset: 5, MaxBytes: 1 << 10},
	}
	if len(orders.Partitions) != 2 || orders.Partitions[0] != want[0] || orders.Partitions[1] != want[1] {
		t.Fatalf("%+v", orders.Partitions)
	}
	if p := payments.Partitions; len(p) != 1 || p[0].FetchOffset != 7 {
		t.Fatalf("%+v", p)
	}
}

func TestUnitFetcherEmptyResponse(t *testing.T) {
	p := newFakeProtocol()
	f := newTestFetcher(p)
	defer f.Close()
	f.Subscribe(newPartition("orders", 0, 0))
	all := newChanSink()
	f.SubscribeMessages(all)
	errs := newChanSink()
	f.SubscribePartitionErrors(errs)
	f.Start(context.Background())
	p.respond(response("orders", protocol.FetchPartitionResponse{Partition: 0}))
	p.respond(response("orders", messagesAt(0, 0)))
	receive(t, all.messages)
	if n := len(all.messages) + len(errs.errors); n != 0 {
		t.Fatal(n)
	}
	if n := metrics.GetOrRegisterCounter("fetcher-empty-polls", f.Metrics).Count(); n != 1 {
		t.Fatal(n)
	}
}

func TestUnitFetcherIdleUntilSubscribed(t *testing.T) {
	p := newFakeProtocol()
	f := newTestFetcher(p)
	defer f.Close()
	f.Start(context.Background())
	select {
	case req := <-p.requests:
		t.Fatalf("%+v", req)
	case <-time.After(50 * time.Millisecond):
	}
	f.Subscribe(newPartition("orders", 0, 0))
	if n := p.nextRequest(t).NumPartitions(); n != 1 {
		t.Fatal(n)
	}
}

func TestUnitFetcherContextCanceled(t *testing.T) {
	p := newFakeProtocol()
	f := newTestFetcher(p)
	tp := newPartition("orders", 0, 0)
	f.Subscribe(tp)
	ctx, cancel := context.WithCancel(context.Background())
	f.Start(ctx)
	p.nextRequest(t)
	cancel()
	waitClosed(t, tp.Messages())
	if err := tp.Err(); err != nil {
		t.Fatal(err)
	}
	<-f.Done()
	if s := f.State(); s != Completed {
		t.Fatal(s)
	}
}

func TestUnitFetcherCloseBeforeStart(t *testing.T) {
	f := newTestFetcher(newFakeProtocol())
	s := newChanSink()
	f.SubscribeMessages(s)
	f.Close()
	f.Close()
	if err := <-s.terminal; err != nil {
		t.Fatal(err)
	}
	<-f.Done()
	f.Start(context.Background()) // nop
	if st := f.State(); st != Completed {
		t.Fatal(st)
	}
	late := newChanSink()
	f.SubscribePartitionErrors(late)
	if err := <-late.terminal; err != nil {
		t.Fatal(err)
	}
}

func TestUnitFetcherNoDeliveryAfterClose(t *testing.T) {
	p := newFakeProtocol()
	f := newTestFetcher(p)
	all := newChanSink()
	f.SubscribeMessages(all)
	f.Subscribe(newPartition("orders", 0, 0))
	f.Start(context.Background())
	p.nextRequest(t)
	f.Close()
	p.respond(response("orders", messagesAt(0, 0)))
	time.Sleep(10 * time.Millisecond)
	if n := len(all.messages); n != 0 {
		t.Fatal(n)
	}
	if err := <-all.terminal; err != nil {
		t.Fatal(err)
	}
}
