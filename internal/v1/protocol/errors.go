package protocol

// Machine-readable error codes surfaced to clients.
const (
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeForbidden    = "FORBIDDEN"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeValidation   = "VALIDATION"
	ErrCodeState        = "STATE"
	ErrCodeRoomFull     = "ROOM_FULL"
	ErrCodeRateLimit    = "RATE_LIMIT"
)

// ClientError pairs an error code with a human message. It is both a Go error
// (so handlers can return it up the stack) and the source of error frames.
type ClientError struct {
	Code    string
	Msg     string
	Details string
}

func (e *ClientError) Error() string {
	return e.Code + ": " + e.Msg
}

// NewClientError builds a ClientError.
func NewClientError(code, msg string) *ClientError {
	return &ClientError{Code: code, Msg: msg}
}

// NewErrorMessage builds an error frame ready to enqueue.
func NewErrorMessage(code, msg string) *Message {
	return MustMessage(TypeError, ErrorPayload{Code: code, Msg: msg})
}

// ErrorMessageFrom converts any error into an error frame. ClientErrors keep
// their code; everything else is reported as a generic STATE error so internal
// detail never reaches the client.
func ErrorMessageFrom(err error) *Message {
	if ce, ok := err.(*ClientError); ok {
		return MustMessage(TypeError, ErrorPayload{Code: ce.Code, Msg: ce.Msg, Details: ce.Details})
	}
	return NewErrorMessage(ErrCodeState, "operation failed")
}
