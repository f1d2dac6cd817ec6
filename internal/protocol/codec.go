package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// maxRawExcerpt bounds how much undecodable plugin output is kept for logs.
const maxRawExcerpt = 2048

// Validate reports whether r is tagged well enough to be sent.
func (r *Request) Validate() error {
	switch {
	case r == nil:
		return errors.New("request is nil")
	case r.Extension == "":
		return errors.New("request missing extension")
	case r.Version == "":
		return errors.New("request missing extension version")
	case r.RequestName == "":
		return errors.New("request missing request name")
	}
	return nil
}

// WriteRequest validates req and writes it to w as one JSON document.
func WriteRequest(w io.Writer, req *Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if err := json.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

// DecodeError is returned when plugin output is not a usable response.
// Raw holds the start of what the plugin printed.
type DecodeError struct {
	Raw string
	Err error
}

func (e *DecodeError) Error() string { return e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

// ReadResponse parses the whole of a plugin's stdout. Unknown fields are
// tolerated so plugins can add diagnostics without breaking older hosts.
func ReadResponse(data []byte) (*Response, error) {
	fail := func(err error) error {
		raw := data
		if len(raw) > maxRawExcerpt {
			raw = raw[:maxRawExcerpt]
		}
		return &DecodeError{Raw: string(raw), Err: err}
	}

	if len(data) == 0 {
		return nil, fail(errors.New("plugin produced no output on stdout"))
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fail(fmt.Errorf("plugin output is not valid JSON: %w", err))
	}
	switch {
	case resp.StatusCode == 0:
		return nil, fail(errors.New("response missing required field: status_code"))
	case resp.StatusCode < 100 || resp.StatusCode > 599:
		return nil, fail(fmt.Errorf("invalid status_code value: %d", resp.StatusCode))
	}
	return &resp, nil
}
