package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a failed call.
type Kind int

const (
	RequestFailed Kind = iota
	Unauthenticated
	NotFound
	ValidationFailed
	ServerError
	NetworkUnavailable
)

func (k Kind) String() string {
	switch k {
	case Unauthenticated:
		return "unauthenticated"
	case NotFound:
		return "not found"
	case ValidationFailed:
		return "validation failed"
	case ServerError:
		return "server error"
	case NetworkUnavailable:
		return "network unavailable"
	default:
		return "request failed"
	}
}

// Error is raised for every non-2xx response and for calls that never
// reached the server. Status is 0 when no response was received.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Raw     json.RawMessage   // response body as received
	Fields  map[string]string // field -> message, for ValidationFailed
	Err     error             // underlying cause, if any
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (%d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// ErrProvisional is returned when a caller tries to address a todo that only
// exists locally.
var ErrProvisional = errors.New("todo has not been saved yet")

// KindFor maps an HTTP status to its error kind.
func KindFor(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return Unauthenticated
	case status == http.StatusNotFound:
		return NotFound
	case status == http.StatusUnprocessableEntity:
		return ValidationFailed
	case status >= 500:
		return ServerError
	default:
		return RequestFailed
	}
}

// KindOf reports the kind of err, ok=false when err is not a transport error.
func KindOf(err error) (Kind, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return RequestFailed, false
}

func is(err error, k Kind) bool {
	got, ok := KindOf(err)
	return ok && got == k
}

func IsUnauthenticated(err error) bool { return is(err, Unauthenticated) }
func IsNotFound(err error) bool        { return is(err, NotFound) }
func IsValidation(err error) bool      { return is(err, ValidationFailed) }
func IsOffline(err error) bool         { return is(err, NetworkUnavailable) }

// Retryable reports whether a failed call may succeed when repeated.
// Client errors (4xx) are final.
func Retryable(err error) bool {
	k, ok := KindOf(err)
	return ok && (k == NetworkUnavailable || k == ServerError)
}

// ValidationFields returns the field -> message map of a 422 error.
func ValidationFields(err error) map[string]string {
	var te *Error
	if !errors.As(err, &te) || te.Kind != ValidationFailed {
		return map[string]string{}
	}
	out := make(map[string]string, len(te.Fields))
	for k, v := range te.Fields {
		out[k] = v
	}
	return out
}

type validationIssue struct {
	Loc  []any  `json:"loc"`
	Msg  string `json:"msg"`
	Type string `json:"type"`
}

// decodeError builds an *Error from a non-2xx response body.
func decodeError(status int, body []byte) *Error {
	e := &Error{Kind: KindFor(status), Status: status}
	if len(body) > 0 {
		e.Raw = json.RawMessage(body)
	}

	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Detail) == 0 {
		e.Message = fallbackMessage(status, body)
		return e
	}

	var detail string
	if err := json.Unmarshal(envelope.Detail, &detail); err == nil {
		e.Message = detail
		return e
	}

	var issues []validationIssue
	if err := json.Unmarshal(envelope.Detail, &issues); err == nil {
		e.Fields = make(map[string]string, len(issues))
		msgs := make([]string, 0, len(issues))
		for _, issue := range issues {
			msgs = append(msgs, issue.Msg)
			if len(issue.Loc) == 0 {
				continue
			}
			e.Fields[fmt.Sprint(issue.Loc[len(issue.Loc)-1])] = issue.Msg
		}
		e.Message = strings.Join(msgs, "; ")
		return e
	}

	e.Message = fallbackMessage(status, body)
	return e
}

func fallbackMessage(status int, body []byte) string {
	text := strings.TrimSpace(string(body))
	if text != "" && !strings.HasPrefix(text, "{") && len(text) <= 200 {
		return text
	}
	if s := http.StatusText(status); s != "" {
		return s
	}
	return "API request failed"
}
