package protocol

import (
	"encoding/json"
	"maps"
)

// Status codes plugins answer with. Anything outside 200..299 is a failure.
const (
	StatusOK              = 200
	StatusValidationError = 412
	StatusInternalError   = 500
)

// Request is the envelope the host sends to a plugin for one extension call.
// Headers are captured at construction and only handed out as copies.
type Request struct {
	Extension   string
	Version     string
	RequestName string
	Body        string

	headers map[string]string
}

// NewRequest builds a request tagged with extension, negotiated version and name.
func NewRequest(extension, version, requestName string) *Request {
	return &Request{
		Extension:   extension,
		Version:     version,
		RequestName: requestName,
		headers:     map[string]string{},
	}
}

// WithHeaders replaces the request headers with a copy of h.
func (r *Request) WithHeaders(h map[string]string) *Request {
	r.headers = maps.Clone(h)
	if r.headers == nil {
		r.headers = map[string]string{}
	}
	return r
}

// Headers returns a copy of the request headers. Mutating it has no effect on r.
func (r *Request) Headers() map[string]string {
	return maps.Clone(r.headers)
}

// Header returns a single header value.
func (r *Request) Header(key string) (string, bool) {
	v, ok := r.headers[key]
	return v, ok
}

type wireRequest struct {
	Extension   string            `json:"extension"`
	Version     string            `json:"version"`
	RequestName string            `json:"request_name"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        string            `json:"body,omitempty"`
}

func (r *Request) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireRequest{
		Extension:   r.Extension,
		Version:     r.Version,
		RequestName: r.RequestName,
		Headers:     r.headers,
		Body:        r.Body,
	})
}

func (r *Request) UnmarshalJSON(data []byte) error {
	var w wireRequest
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Request{
		Extension:   w.Extension,
		Version:     w.Version,
		RequestName: w.RequestName,
		Body:        w.Body,
	}
	r.WithHeaders(w.Headers)
	return nil
}

// Response is what a plugin answers with.
type Response struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body,omitempty"`
}

// Success builds a 200 response with body.
func Success(body string) *Response {
	return &Response{StatusCode: StatusOK, Body: body}
}

// Failure builds a response with the given code and body.
func Failure(code int, body string) *Response {
	return &Response{StatusCode: code, Body: body}
}

// Successful reports whether the status code is in the success range.
func (r *Response) Successful() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}
