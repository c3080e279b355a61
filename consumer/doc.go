// Package consumer fetches messages from kafka brokers.
//
// The Fetcher runs one fetch loop per broker. Partitions are subscribed to it
// (Subscribe) and every iteration of the loop fetches all of them in a single
// request, at the offset each partition reports at that moment. Responses are
// published on three views: messages of a single partition go to that
// partition's subscribers, all messages go to SubscribeMessages sinks, and
// partition error codes go to SubscribePartitionErrors sinks. A fetch that
// times out is retried; a failed connection ends the loop and every
// subscriber gets Fail. Replacing a failed fetcher (and looking up the leader
// again) is up to its owner.
//
// TopicPartition is the Subscriber implementation that tracks its own offset
// and hands messages out on a channel.
//
// Static ties this together for a fixed list of partitions of one topic: it
// looks up leaders and starting offsets, runs a Fetcher per leader, and
// merges messages from all partitions into one channel. Partition errors are
// handled by a PartitionErrorHandler; see DefaultHandlePartitionError.
//
// Aspects of consumption that are not covered: offset storage and retrieval,
// and dynamic partition assignment through consumer group membership.
package consumer
