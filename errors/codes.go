package errors

import "fmt"

// Kafka protocol error codes. Only the ones this library looks at, or that
// are commonly returned for fetch and produce, have names.
const (
	UNKNOWN_SERVER_ERROR       int16 = -1
	NONE                       int16 = 0
	OFFSET_OUT_OF_RANGE        int16 = 1
	CORRUPT_MESSAGE            int16 = 2
	UNKNOWN_TOPIC_OR_PARTITION int16 = 3
	INVALID_FETCH_SIZE         int16 = 4
	LEADER_NOT_AVAILABLE       int16 = 5
	NOT_LEADER_FOR_PARTITION   int16 = 6
	REQUEST_TIMED_OUT          int16 = 7
	BROKER_NOT_AVAILABLE       int16 = 8
	REPLICA_NOT_AVAILABLE      int16 = 9
	MESSAGE_TOO_LARGE          int16 = 10
	NETWORK_EXCEPTION          int16 = 13
	NOT_ENOUGH_REPLICAS        int16 = 19
	TOPIC_AUTHORIZATION_FAILED int16 = 29
	UNSUPPORTED_VERSION        int16 = 35
	KAFKA_STORAGE_ERROR        int16 = 56
	FENCED_LEADER_EPOCH        int16 = 74
	UNKNOWN_LEADER_EPOCH       int16 = 75
	UNSUPPORTED_COMPRESSION    int16 = 76
	OFFSET_NOT_AVAILABLE       int16 = 78
)

var codeNames = map[int16]string{
	UNKNOWN_SERVER_ERROR:       "UNKNOWN_SERVER_ERROR",
	NONE:                       "NONE",
	OFFSET_OUT_OF_RANGE:        "OFFSET_OUT_OF_RANGE",
	CORRUPT_MESSAGE:            "CORRUPT_MESSAGE",
	UNKNOWN_TOPIC_OR_PARTITION: "UNKNOWN_TOPIC_OR_PARTITION",
	INVALID_FETCH_SIZE:         "INVALID_FETCH_SIZE",
	LEADER_NOT_AVAILABLE:       "LEADER_NOT_AVAILABLE",
	NOT_LEADER_FOR_PARTITION:   "NOT_LEADER_FOR_PARTITION",
	REQUEST_TIMED_OUT:          "REQUEST_TIMED_OUT",
	BROKER_NOT_AVAILABLE:       "BROKER_NOT_AVAILABLE",
	REPLICA_NOT_AVAILABLE:      "REPLICA_NOT_AVAILABLE",
	MESSAGE_TOO_LARGE:          "MESSAGE_TOO_LARGE",
	NETWORK_EXCEPTION:          "NETWORK_EXCEPTION",
	NOT_ENOUGH_REPLICAS:        "NOT_ENOUGH_REPLICAS",
	TOPIC_AUTHORIZATION_FAILED: "TOPIC_AUTHORIZATION_FAILED",
	UNSUPPORTED_VERSION:        "UNSUPPORTED_VERSION",
	KAFKA_STORAGE_ERROR:        "KAFKA_STORAGE_ERROR",
	FENCED_LEADER_EPOCH:        "FENCED_LEADER_EPOCH",
	UNKNOWN_LEADER_EPOCH:       "UNKNOWN_LEADER_EPOCH",
	UNSUPPORTED_COMPRESSION:    "UNSUPPORTED_COMPRESSION_TYPE",
	OFFSET_NOT_AVAILABLE:       "OFFSET_NOT_AVAILABLE",
}

// CodeName returns the protocol name of the error code, or "UNKNOWN".
func CodeName(code int16) string {
	if s, ok := codeNames[code]; ok {
		return s
	}
	return "UNKNOWN"
}

// KafkaError is an error code returned by the broker inside an otherwise
// successful response.
type KafkaError struct {
	Code int16
}

func (e *KafkaError) Error() string {
	return fmt.Sprintf("error code %d (%s)", e.Code, CodeName(e.Code))
}

// Retriable reports whether the same request may succeed after the client
// refreshes metadata or waits.
func (e *KafkaError) Retriable() bool {
	switch e.Code {
	case CORRUPT_MESSAGE, UNKNOWN_TOPIC_OR_PARTITION, LEADER_NOT_AVAILABLE,
		NOT_LEADER_FOR_PARTITION, REQUEST_TIMED_OUT, REPLICA_NOT_AVAILABLE,
		NETWORK_EXCEPTION, NOT_ENOUGH_REPLICAS, KAFKA_STORAGE_ERROR,
		FENCED_LEADER_EPOCH, UNKNOWN_LEADER_EPOCH, OFFSET_NOT_AVAILABLE:
		return true
	}
	return false
}

// Code returns nil for NONE and a *KafkaError otherwise.
func Code(code int16) error {
	if code == NONE {
		return nil
	}
	return &KafkaError{Code: code}
}
