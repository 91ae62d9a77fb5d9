package smtp

import "fmt"

// SendError means the outbound relay rejected or never acknowledged a
// message. It is surfaced directly to the caller and never retried
// automatically, to avoid duplicate sends.
type SendError struct {
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed: %v", e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
