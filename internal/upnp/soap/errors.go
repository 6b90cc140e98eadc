package soap

import (
	"encoding/json"
	"fmt"
)

// SoapError is a UPnP fault returned by a device.
type SoapError struct {
	Action      string
	Code        string
	Description string
	// Payload is the UPnPError detail serialized as JSON.
	Payload json.RawMessage
}

func (e *SoapError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: upnp error %s: %s", e.Action, e.Code, e.Description)
	}
	return fmt.Sprintf("%s: upnp error %s", e.Action, e.Code)
}

// ProtocolMismatchError reports a response without the expected
// <Action>Response element.
type ProtocolMismatchError struct {
	Action string
	Body   []byte
	Err    error
}

func (e *ProtocolMismatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: unexpected response: %v", e.Action, e.Err)
	}
	return fmt.Sprintf("%s: response element %sResponse missing", e.Action, e.Action)
}

func (e *ProtocolMismatchError) Unwrap() error {
	return e.Err
}

// HTTPError is a non-success HTTP status without a parseable UPnP fault.
type HTTPError struct {
	Action     string
	Status     string
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: http error: %s", e.Action, e.Status)
}
