package transport

import "errors"

// User-facing messages for failed calls.
const (
	MsgSessionExpired = "Your session has expired. Please sign in again."
	MsgNotFound       = "Todo not found. It may have been deleted."
	MsgInvalidInput   = "Invalid input. Please check your data and try again."
	MsgServerError    = "Server error. Please try again later."
	MsgOffline        = "You appear to be offline. Check your connection."
	MsgUnexpected     = "An unexpected error occurred. Please try again."
	MsgGeneric        = "Something went wrong. Please try again."
)

// UserMessage returns the text shown to the user for err.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var te *Error
	if !errors.As(err, &te) {
		if errors.Is(err, ErrProvisional) {
			return "This todo is still being saved. Try again in a moment."
		}
		return MsgUnexpected
	}
	switch te.Kind {
	case Unauthenticated:
		return MsgSessionExpired
	case NotFound:
		return MsgNotFound
	case ValidationFailed:
		return MsgInvalidInput
	case ServerError:
		return MsgServerError
	case NetworkUnavailable:
		return MsgOffline
	}
	if te.Message != "" {
		return te.Message
	}
	return MsgGeneric
}
