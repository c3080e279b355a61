/*
Package kafkafetch implements the data plane of a kafka consumer on top of
libkafka: a per-broker fetch loop and the request/response correlation layer
it runs on.

A broker connection (package broker) is shared by every request sent to that
broker. Requests are tagged with correlation ids and responses are matched back
to their callers as they arrive (package correlation). Typed Metadata,
ListOffsets, Produce and Fetch calls are in package protocol.

A Fetcher (package consumer) owns the set of topic partitions subscribed for
one broker and one set of fetch parameters. It keeps sending aggregated fetch
requests for all of them, one at a time, and fans the responses out to the
subscribed partitions and to the partition error view. See cmd/consume for an
example of the Static consumer built on top of it.
*/
package kafkafetch
