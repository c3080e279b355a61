// Package correlation matches responses to requests on a shared broker
// connection. Kafka is asynchronous on the wire: many requests can be
// outstanding on one connection and every response carries the correlation id
// of the request it answers. A Correlator owns one live connection, writes
// requests tagged with fresh ids, and runs a dispatch loop that hands each
// response to whoever is waiting for its id.
package correlation

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/mkocikowski/libkafka/api"
	"go.uber.org/atomic"

	"github.com/mkocikowski/kafkafetch/errors"
)

// EncodeFunc serializes a request tagged with the given correlation id,
// including the size prefix.
type EncodeFunc func(correlationId int32) ([]byte, error)

// Correlator is safe for concurrent use. Once the connection fails the
// Correlator is dead (Done is closed) and every call returns a NetworkError;
// get a new one from broker.Conn.
type Correlator struct {
	conn   net.Conn
	logger log.Logger
	idgen  atomic.Int32
	// serializes writes; requests are written whole
	wmu sync.Mutex
	//
	mu       sync.Mutex
	inflight map[int32]chan *api.Response
	err      error
	done     chan struct{}
}

// New takes ownership of conn and starts the dispatch loop.
func New(conn net.Conn, logger log.Logger) *Correlator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	c := &Correlator{
		conn:     conn,
		logger:   log.With(logger, "remote", conn.RemoteAddr()),
		inflight: make(map[int32]chan *api.Response),
		done:     make(chan struct{}),
	}
	go c.dispatch()
	return c
}

// Done is closed when the connection has failed or has been closed.
func (c *Correlator) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the correlator died, nil while it is alive.
func (c *Correlator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Inflight returns the number of requests waiting for a response.
func (c *Correlator) Inflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// Close the connection. Requests waiting for responses fail with a
// NetworkError. Idempotent.
func (c *Correlator) Close() error {
	c.fail(errors.Network(fmt.Errorf("connection to %s closed", c.conn.RemoteAddr())))
	return nil
}

func (c *Correlator) register(id int32) (chan *api.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	if _, ok := c.inflight[id]; ok {
		// 2^32 requests outstanding would be needed for this to happen
		return nil, fmt.Errorf("correlation id %d already in flight", id)
	}
	ch := make(chan *api.Response, 1)
	c.inflight[id] = ch
	return ch, nil
}

func (c *Correlator) unregister(id int32) (chan *api.Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.inflight[id]
	if ok {
		delete(c.inflight, id)
	}
	return ch, ok
}

// fail marks the correlator dead with err, closes the connection, and releases
// every waiter. Only the first error is kept.
func (c *Correlator) fail(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	for id := range c.inflight {
		delete(c.inflight, id)
	}
	close(c.done)
	c.mu.Unlock()
	c.conn.Close()
}

func (c *Correlator) write(ctx context.Context, b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := c.conn.Write(b)
	return err
}

// SendAndCorrelate makes exactly one request-response round trip. It returns
// a CanceledError if ctx ends before the response arrives (the request may
// still have been sent; a late response is discarded) and a NetworkError if the
// connection fails.
func (c *Correlator) SendAndCorrelate(ctx context.Context, encode EncodeFunc) (*api.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Canceled(err)
	}
	id := c.idgen.Inc()
	b, err := encode(id)
	if err != nil {
		return nil, fmt.Errorf("error encoding request %d: %w", id, err)
	}
	ch, err := c.register(id)
	if err != nil {
		return nil, err
	}
	if err := c.write(ctx, b); err != nil {
		c.unregister(id)
		if ctx.Err() != nil {
			// write deadline came from ctx. the request may be half
			// written, so the connection can't be used anymore
			c.fail(errors.Network(fmt.Errorf("error sending request %d: %w", id, err)))
			return nil, errors.Canceled(fmt.Errorf("error sending request %d: %w", id, ctx.Err()))
		}
		err = errors.Network(fmt.Errorf("error sending request %d: %w", id, err))
		c.fail(err)
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-c.done:
		// the response may have been dispatched just before the failure
		select {
		case resp := <-ch:
			return resp, nil
		default:
		}
		return nil, c.Err()
	case <-ctx.Done():
		c.unregister(id)
		return nil, errors.Canceled(fmt.Errorf("waiting for response %d: %w", id, ctx.Err()))
	}
}

func correlationId(r *api.Response) (id int32, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed response: %v", r)
		}
	}()
	return r.CorrelationId(), nil
}

func (c *Correlator) dispatch() {
	r := bufio.NewReader(c.conn)
	for {
		resp, err := api.Read(r)
		if err != nil {
			c.fail(errors.Network(fmt.Errorf("error reading response: %w", err)))
			return
		}
		id, err := correlationId(resp)
		if err != nil {
			c.fail(errors.Network(err))
			return
		}
		ch, ok := c.unregister(id)
		if !ok {
			// caller gave up on this one
			level.Debug(c.logger).Log("msg", "discarding response", "correlation_id", id)
			continue
		}
		ch <- resp
	}
}
