package bundle

// badVersionError reports that a parsed primary block's version octet is
// not the supported bundle protocol version 6.
type badVersionError struct {
	msg string
}

// newBadVersionError creates a new badVersionError with the given message.
func newBadVersionError(msg string) *badVersionError {
	return &badVersionError{msg}
}

func (e badVersionError) Error() string {
	return e.msg
}

// badBlockTypeError reports that a block other than the payload block was
// encountered; this implementation only understands a single non-primary
// block type.
type badBlockTypeError struct {
	msg string
}

// newBadBlockTypeError creates a new badBlockTypeError with the given
// message.
func newBadBlockTypeError(msg string) *badBlockTypeError {
	return &badBlockTypeError{msg}
}

func (e badBlockTypeError) Error() string {
	return e.msg
}

// badBlockFlagsError reports that the payload block's flags are not
// exactly the "last block" flag this implementation always emits.
type badBlockFlagsError struct {
	msg string
}

// newBadBlockFlagsError creates a new badBlockFlagsError with the given
// message.
func newBadBlockFlagsError(msg string) *badBlockFlagsError {
	return &badBlockFlagsError{msg}
}

func (e badBlockFlagsError) Error() string {
	return e.msg
}

// truncatedError reports that the buffer ended before a complete bundle
// had been parsed.
type truncatedError struct {
	msg string
}

// newTruncatedError creates a new truncatedError with the given message.
func newTruncatedError(msg string) *truncatedError {
	return &truncatedError{msg}
}

func (e truncatedError) Error() string {
	return e.msg
}

// badPrimaryLengthError reports that a primary block's declared
// primary_length did not match the number of octets its fields actually
// consumed.
type badPrimaryLengthError struct {
	msg string
}

// newBadPrimaryLengthError creates a new badPrimaryLengthError with the
// given message.
func newBadPrimaryLengthError(msg string) *badPrimaryLengthError {
	return &badPrimaryLengthError{msg}
}

func (e badPrimaryLengthError) Error() string {
	return e.msg
}

// malformedEndpointError reports that an endpoint string cannot be split
// into scheme and scheme-specific parts on serialization.
type malformedEndpointError struct {
	msg string
}

// newMalformedEndpointError creates a new malformedEndpointError with the
// given message.
func newMalformedEndpointError(msg string) *malformedEndpointError {
	return &malformedEndpointError{msg}
}

func (e malformedEndpointError) Error() string {
	return e.msg
}
