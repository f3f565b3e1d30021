package app

// StopReason is logged when the app shuts down.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	// StopInputClosed: the stdin request feed reached EOF.
	StopInputClosed StopReason = "input_closed"
)
