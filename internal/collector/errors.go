package collector

import "errors"

var (
	ErrNoConnection       = errors.New("no connection to device")
	ErrUnknownDevice      = errors.New("unknown device")
	ErrUnsupportedCommand = errors.New("unsupported command")
	ErrPortNotEnabled     = errors.New("port not enabled")

	// Health check verdicts, each one replaces the transport.
	ErrChannelClosed    = errors.New("websocket disconnected")
	ErrTooManyErrors    = errors.New("too many errors in websocket connection")
	ErrStaleConnection  = errors.New("no update received within staleness bound")
	ErrHealthPollFailed = errors.New("failed to get full sensor data")
)
