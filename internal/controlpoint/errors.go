package controlpoint

import (
	"encoding/json"
	"errors"
	"net"
	"net/url"

	"github.com/mikey-austin/mucp/internal/upnp/device"
	"github.com/mikey-austin/mucp/internal/upnp/didl"
	"github.com/mikey-austin/mucp/internal/upnp/soap"
	"github.com/mikey-austin/mucp/pkg/cp"
)

// ErrorCode maps an error to its reply code.
func ErrorCode(err error) string {
	var (
		noDevice *NoSuchDeviceError
		fault    *soap.SoapError
		mismatch *soap.ProtocolMismatchError
		httpErr  *soap.HTTPError
		urlErr   *url.Error
		netErr   net.Error
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidArgument):
		return cp.CodeInvalid
	case errors.As(err, &noDevice):
		return cp.CodeNotFound
	case errors.Is(err, ErrNoServer), errors.Is(err, ErrNoRenderer):
		return cp.CodeNoSelection
	case errors.As(err, &fault):
		return cp.CodeSOAPFault
	case errors.As(err, &mismatch):
		return cp.CodeProtocol
	case errors.Is(err, device.ErrServiceNotSupported), errors.Is(err, didl.ErrUnknownResource):
		return cp.CodeUnsupported
	case errors.As(err, &httpErr), errors.As(err, &urlErr), errors.As(err, &netErr):
		return cp.CodeTransport
	default:
		return cp.CodeInternal
	}
}

// ReplyError converts err for the wire. SOAP faults carry the UPnP error
// payload as detail.
func ReplyError(err error) *cp.ReplyError {
	if err == nil {
		return nil
	}
	out := &cp.ReplyError{Code: ErrorCode(err), Message: err.Error()}
	var fault *soap.SoapError
	if errors.As(err, &fault) && len(fault.Payload) > 0 {
		out.Detail = fault.Payload
	}
	var httpErr *soap.HTTPError
	if errors.As(err, &httpErr) {
		if detail, mErr := json.Marshal(map[string]any{"status": httpErr.StatusCode}); mErr == nil {
			out.Detail = detail
		}
	}
	return out
}
