package kafkafetch

import "fmt"

func Errorf(format string, v ...interface{}) error {
	return &Error{fmt.Errorf(format, v...)}
}

// Error marshals to JSON as its message, so that errors embedded in structs
// and log lines serialize as strings.
type Error struct {
	error
}

func (e *Error) Unwrap() error {
	return e.error
}

func (e *Error) MarshalJSON() ([]byte, error) {
	return []byte(`"` + e.Error() + `"`), nil
}
