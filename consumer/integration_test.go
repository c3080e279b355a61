package consumer

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/mkocikowski/libkafka/record"

	"github.com/mkocikowski/kafkafetch/broker"
	"github.com/mkocikowski/kafkafetch/compression"
	"github.com/mkocikowski/kafkafetch/producer"
	"github.com/mkocikowski/kafkafetch/protocol"
)

const bootstrap = "localhost:9092"

func createTopic(t *testing.T) string {
	t.Helper()
	if conn, err := net.DialTimeout("tcp", bootstrap, time.Second); err != nil {
		t.Skipf("no broker at %s: %v", bootstrap, err)
	} else {
		conn.Close()
	}
	topic := fmt.Sprintf("test-%x", rand.Uint32())
	conn := &broker.Conn{Addr: bootstrap}
	defer conn.Close()
	if err := (&protocol.Protocol{}).CreateTopic(context.Background(), topic, 2, 1, conn); err != nil {
		t.Fatal(err)
	}
	return topic
}

func TestIntergationStaticConsumer(t *testing.T) {
	topic := createTopic(t)
	p := &producer.Producer{
		Bootstrap:  bootstrap,
		Topic:      topic,
		Compressor: &compression.Lz4{},
	}
	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Produce(ctx, 0, record.New(nil, []byte("foo")), record.New(nil, []byte("bar"))); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Produce(ctx, 1, record.New(nil, []byte("monkey"))); err != nil {
		t.Fatal(err)
	}
	p.Close()
	//
	c := &Static{
		Bootstrap: bootstrap,
		Topic:     topic,
		Fetch:     FetchConfig{MaxWaitTimeMs: 100, MinBytesPerFetch: 1, MaxBytesPerFetch: 1 << 20},
	}
	messages, err := c.Start(ctx, map[int32]int64{0: -1, 1: 0})
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]int64{}
	for len(got) < 3 {
		select {
		case m := <-messages:
			got[string(m.Value)] = m.Offset
		case <-time.After(5 * time.Second):
			t.Fatal(got)
		}
	}
	if got["bar"] != 1 || got["monkey"] != 0 {
		t.Fatal(got)
	}
	c.Stop()
	for range messages { // drain
	}
	c.Wait()
}
