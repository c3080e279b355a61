package consumer

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/mkocikowski/kafkafetch"
	"github.com/mkocikowski/kafkafetch/errors"
)

// Seeker moves the fetch offset of a single partition. It is implemented by
// the Static consumer for each of its partitions; it is an interface so that
// handlers can be tested without a broker.
type Seeker interface {
	// Seek looks up the offset at the given location and moves to it.
	Seek(StartLocation) error
	StartLocation() StartLocation
	Offset() int64
	SetOffset(int64)
}

// PartitionErrorHandler is called on the fetch loop goroutine for every
// partition error reported by the broker. Fetching of all partitions on the
// same broker waits for it to return.
type PartitionErrorHandler func(Seeker, kafkafetch.PartitionError)

// DefaultHandlePartitionError moves a partition whose offset is out of range
// (on either end) back to its start location. Every other code is logged and
// left alone: retriable codes usually clear up on their own, and the rest
// need the leader looked up again, which is up to whoever owns the fetcher.
func DefaultHandlePartitionError(logger log.Logger) PartitionErrorHandler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return func(s Seeker, e kafkafetch.PartitionError) {
		if e.ErrorCode != errors.OFFSET_OUT_OF_RANGE {
			level.Warn(logger).Log("msg", "partition error", "partition", e.TopicPartition(), "offset", s.Offset(), "err", errors.Code(e.ErrorCode))
			return
		}
		offset := s.Offset()
		if err := s.Seek(s.StartLocation()); err != nil {
			// next fetch will fail the same way and we will try again
			level.Error(logger).Log("msg", "error resetting offset", "partition", e.TopicPartition(), "err", err)
			return
		}
		level.Info(logger).Log("msg", "offset out of range, reset", "partition", e.TopicPartition(), "from", offset, "to", s.Offset(), "location", s.StartLocation())
	}
}
