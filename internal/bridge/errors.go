package bridge

import "fmt"

// InvalidParamsError is a caller mistake, rejected synchronously before
// any network I/O and never retried.
type InvalidParamsError struct {
	Field  string
	Reason string
}

func (e *InvalidParamsError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TerminalConnectionError is surfaced to every open subscription when
// the reconnect budget is exhausted. The bridge then refuses new
// subscriptions until restarted.
type TerminalConnectionError struct {
	Attempts int
	Err      error
}

func (e *TerminalConnectionError) Error() string {
	return fmt.Sprintf("upstream connection failed terminally after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TerminalConnectionError) Unwrap() error {
	return e.Err
}
