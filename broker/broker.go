// Package broker holds broker references and the connections to them. A Conn
// is shared by every request sent to its broker: fetches, metadata, offset
// lookups and produce calls all go over the same live transport, multiplexed
// by correlation id.
package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/mkocikowski/kafkafetch/correlation"
	"github.com/mkocikowski/kafkafetch/errors"
)

const (
	DefaultDialTimeout     = 5 * time.Second
	DefaultMaxDialAttempts = 3
)

// Broker is an immutable reference to a kafka broker and the connection to it.
// Build it with NewBroker and do not change its fields afterwards.
type Broker struct {
	Host   string
	Port   int32
	NodeId int32
	Conn   *Conn
}

// NewBroker returns a broker reference using conn. If conn is nil then a Conn
// with default settings is created. If conn.Addr is empty it is set to the
// broker address.
func NewBroker(host string, port, nodeId int32, conn *Conn) *Broker {
	b := &Broker{Host: host, Port: port, NodeId: nodeId, Conn: conn}
	if b.Conn == nil {
		b.Conn = &Conn{}
	}
	if b.Conn.Addr == "" {
		b.Conn.Addr = b.Addr()
	}
	return b
}

func (b *Broker) Addr() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(int(b.Port)))
}

func (b *Broker) String() string {
	return fmt.Sprintf("%s:%d/%d", b.Host, b.Port, b.NodeId)
}

// Conn maintains a connection to a single broker. The connection is opened on
// the first call to Client and re-opened on the first call after it fails.
// Set public fields before first use. Safe for concurrent use.
type Conn struct {
	Addr string // host:port
	TLS  *tls.Config
	// Timeout for each individual dial attempt. Default 5s.
	DialTimeout time.Duration
	// Dial attempts (with exponential backoff between them) made by a
	// single call to Client before giving up. Default 3.
	MaxDialAttempts int
	Logger          log.Logger
	// for tests
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
	//
	mu         sync.Mutex
	correlator *correlation.Correlator
}

func (c *Conn) String() string {
	return c.Addr
}

func (c *Conn) logger() log.Logger {
	if c.Logger == nil {
		return log.NewNopLogger()
	}
	return c.Logger
}

func (c *Conn) dial(ctx context.Context) (net.Conn, error) {
	timeout := c.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if c.Dial != nil {
		return c.Dial(ctx, "tcp", c.Addr)
	}
	dialer := &net.Dialer{Timeout: timeout}
	if c.TLS != nil {
		d := &tls.Dialer{NetDialer: dialer, Config: c.TLS}
		return d.DialContext(ctx, "tcp", c.Addr)
	}
	return dialer.DialContext(ctx, "tcp", c.Addr)
}

func (c *Conn) connect(ctx context.Context) (net.Conn, error) {
	attempts := c.MaxDialAttempts
	if attempts <= 0 {
		attempts = DefaultMaxDialAttempts
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	var conn net.Conn
	operation := func() error {
		var err error
		conn, err = c.dial(ctx)
		if err != nil {
			level.Debug(c.logger()).Log("msg", "dial failed", "addr", c.Addr, "err", err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		if ctx.Err() != nil {
			return nil, errors.Canceled(fmt.Errorf("error connecting to %s: %w", c.Addr, ctx.Err()))
		}
		return nil, errors.Network(fmt.Errorf("error connecting to %s (TLS: %v): %w", c.Addr, c.TLS != nil, err))
	}
	return conn, nil
}

// Client returns the live transport to the broker, connecting if there is no
// live connection. Concurrent callers wait for a connection attempt in
// progress. Returns a NetworkError if the broker can't be reached and a
// CanceledError if ctx ends first.
func (c *Conn) Client(ctx context.Context) (*correlation.Correlator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.correlator != nil {
		select {
		case <-c.correlator.Done():
			level.Info(c.logger()).Log("msg", "connection lost, reconnecting", "addr", c.Addr, "err", c.correlator.Err())
			c.correlator = nil
		default:
			return c.correlator, nil
		}
	}
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	level.Debug(c.logger()).Log("msg", "connected", "addr", c.Addr)
	c.correlator = correlation.New(conn, c.logger())
	return c.correlator, nil
}

// Close the live connection, if any. Requests in flight on it fail with a
// NetworkError. The next call to Client opens a new connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.correlator == nil {
		return nil
	}
	err := c.correlator.Close()
	c.correlator = nil
	return err
}
