package agent

// resolutionFailedError reports that a bundle's destination endpoint could
// not be mapped to a host address; the record is dropped without retry.
type resolutionFailedError struct {
	msg string
}

// newResolutionFailedError creates a new resolutionFailedError with the
// given message.
func newResolutionFailedError(msg string) *resolutionFailedError {
	return &resolutionFailedError{msg}
}

func (e resolutionFailedError) Error() string {
	return e.msg
}

// queueFullError reports that a local submission was dropped because the
// bundle queue has reached its high-watermark fraction of MaxBundles.
type queueFullError struct {
	msg string
}

// newQueueFullError creates a new queueFullError with the given message.
func newQueueFullError(msg string) *queueFullError {
	return &queueFullError{msg}
}

func (e queueFullError) Error() string {
	return e.msg
}

// duplicateEndpointError reports that an endpoint being registered already
// has a registration.
type duplicateEndpointError struct {
	msg string
}

// newDuplicateEndpointError creates a new duplicateEndpointError with the
// given message.
func newDuplicateEndpointError(msg string) *duplicateEndpointError {
	return &duplicateEndpointError{msg}
}

func (e duplicateEndpointError) Error() string {
	return e.msg
}

// reservedEndpointError reports an attempt to register the null endpoint
// dtn:none.
type reservedEndpointError struct {
	msg string
}

// newReservedEndpointError creates a new reservedEndpointError with the
// given message.
func newReservedEndpointError(msg string) *reservedEndpointError {
	return &reservedEndpointError{msg}
}

func (e reservedEndpointError) Error() string {
	return e.msg
}
