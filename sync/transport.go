package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/teranos/revsync/errors"
)

// Transport performs request/response exchanges with the remote backend.
//
// A non-nil error means the exchange itself failed (connection refused,
// timeout, undecodable reply). Any HTTP status, including 4xx and 5xx, is a
// successful exchange reported through Response.
type Transport interface {
	Get(ctx context.Context, route string) (*Response, error)
	Put(ctx context.Context, route string, body any) (*Response, error)
}

// Response is a completed exchange with the remote.
type Response struct {
	StatusCode int
	Body       []byte
	Errors     []string // messages reported by the remote, if any
}

// StatusClass returns the hundreds digit of the status code (2, 4, 5, ...).
func (r *Response) StatusClass() int {
	return r.StatusCode / 100
}

// Is2xx reports whether the status is in the success class.
func (r *Response) Is2xx() bool {
	return r.StatusClass() == 2
}

// IsNotFound reports whether the remote answered 404.
func (r *Response) IsNotFound() bool {
	return r.StatusCode == http.StatusNotFound
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return errors.Newf("empty response body (status %d)", r.StatusCode)
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return errors.Wrapf(err, "decode response body (status %d)", r.StatusCode)
	}
	return nil
}

// OutcomeKind enumerates the closed set of response outcomes.
type OutcomeKind int

const (
	// OutcomeSuccess is any 2xx other than 201.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeCreated is 201: the request created the resource.
	OutcomeCreated
	// OutcomeError is every non-2xx status; see Outcome.Error.
	OutcomeError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeCreated:
		return "created"
	case OutcomeError:
		return "error"
	}
	return fmt.Sprintf("OutcomeKind(%d)", int(k))
}

// ErrorKind refines OutcomeError.
type ErrorKind int

const (
	ErrorNone ErrorKind = iota
	// ErrorNotFound is 404.
	ErrorNotFound
	// ErrorRejected is any other 4xx: the remote refused the request.
	ErrorRejected
	// ErrorServer is 5xx or anything outside the known classes.
	ErrorServer
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorNone:
		return "none"
	case ErrorNotFound:
		return "not_found"
	case ErrorRejected:
		return "rejected"
	case ErrorServer:
		return "server"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Outcome is the classified result of a response.
type Outcome struct {
	Kind     OutcomeKind
	Error    ErrorKind // ErrorNone unless Kind is OutcomeError
	Status   int
	Messages []string
}

// Classify maps a response onto its outcome.
func Classify(resp *Response) Outcome {
	out := Outcome{Status: resp.StatusCode, Messages: resp.Errors}
	switch {
	case resp.StatusCode == http.StatusCreated:
		out.Kind = OutcomeCreated
	case resp.Is2xx():
		out.Kind = OutcomeSuccess
	case resp.IsNotFound():
		out.Kind, out.Error = OutcomeError, ErrorNotFound
	case resp.StatusClass() == 4:
		out.Kind, out.Error = OutcomeError, ErrorRejected
	default:
		out.Kind, out.Error = OutcomeError, ErrorServer
	}
	return out
}

// Err converts an error outcome into an ErrTransport carrying the remote's
// messages. Success outcomes return nil.
func (o Outcome) Err(op string) error {
	switch o.Kind {
	case OutcomeSuccess, OutcomeCreated:
		return nil
	case OutcomeError:
		return errors.NewTransportError(o.Messages, "%s: remote answered %d (%s)", op, o.Status, o.Error)
	}
	return errors.AssertionFailedf("unhandled outcome kind %s", o.Kind)
}
