package core

// portInUseError reports that (*BusContext).Bind was asked to bind a port
// that already has a listener bound to it.
type portInUseError struct {
	msg string
}

// newPortInUseError creates a new portInUseError with the given message.
func newPortInUseError(msg string) *portInUseError {
	return &portInUseError{msg}
}

func (e portInUseError) Error() string {
	return e.msg
}

// transportError reports an I/O failure encountered while writing to a
// Connection's output stream. Send returns it with the underlying
// failure's text folded into the message.
type transportError struct {
	msg string
}

// newTransportError creates a new transportError with the given message.
func newTransportError(msg string) *transportError {
	return &transportError{msg}
}

func (e transportError) Error() string {
	return e.msg
}
