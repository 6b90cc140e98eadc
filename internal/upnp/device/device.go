// Package device models UPnP media servers and renderers and the SOAP
// actions they expose.
package device

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/mikey-austin/mucp/internal/upnp/didl"
	"github.com/mikey-austin/mucp/internal/upnp/soap"
	"github.com/mikey-austin/mucp/internal/upnp/xmltree"
)

// Kind is the closed set of device variants.
type Kind int

const (
	KindServer Kind = iota + 1
	KindRenderer
)

func (k Kind) String() string {
	switch k {
	case KindServer:
		return "server"
	case KindRenderer:
		return "renderer"
	default:
		return "unknown"
	}
}

var (
	serverTypePattern   = regexp.MustCompile(`MediaServer:[0-5]$`)
	rendererTypePattern = regexp.MustCompile(`MediaRenderer:[0-5]$`)

	contentDirectoryPattern = regexp.MustCompile(`ContentDirectory:[0-4]$`)
	avTransportPattern      = regexp.MustCompile(`AVTransport:[0-4]$`)
	renderingControlPattern = regexp.MustCompile(`RenderingControl:[0-4]$`)
)

// IsMediaType reports whether a USN or device type names a media server or
// renderer.
func IsMediaType(s string) bool {
	return serverTypePattern.MatchString(s) || rendererTypePattern.MatchString(s)
}

// IsServerType reports whether s names a media server.
func IsServerType(s string) bool {
	return serverTypePattern.MatchString(s)
}

// ErrServiceNotSupported is matched by every ServiceError.
var ErrServiceNotSupported = errors.New("service not supported by device")

// ServiceError reports a missing service in the description.
type ServiceError struct {
	Pattern  string
	Location string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: no service matching %s at %s", ErrServiceNotSupported, e.Pattern, e.Location)
}

func (e *ServiceError) Is(target error) bool {
	return target == ErrServiceNotSupported
}

// Caller issues a SOAP action. *soap.Client implements it.
type Caller interface {
	Call(ctx context.Context, controlURL string, serviceURN string, action string, args []soap.Arg) (*xmltree.Node, error)
}

// Device is either a *ServerDevice or a *RendererDevice.
type Device interface {
	Kind() Kind
	Info() Info
	sealed()
}

// MediaServer is the ContentDirectory subset used by the control point.
type MediaServer interface {
	Browse(ctx context.Context, id string, start int, count int) (BrowseResult, error)
	Search(ctx context.Context, containerID string, start int, count int, criteria string) (BrowseResult, error)
	GetMetadata(ctx context.Context, id string) (didl.Metadata, error)
	GetSearchCapabilities(ctx context.Context) (SearchCapabilities, error)
}

// MediaRenderer is the AVTransport and RenderingControl subset used by the
// control point.
type MediaRenderer interface {
	SetAVTransportURI(ctx context.Context, uri string, metadata string) error
	Play(ctx context.Context, speed string) error
	Pause(ctx context.Context) error
	Stop(ctx context.Context) error
	Seek(ctx context.Context, target string) error
	GetPositionInfo(ctx context.Context) (PositionInfo, error)
	GetTransportInfo(ctx context.Context) (TransportInfo, error)
	GetVolumeDBRange(ctx context.Context) (VolumeDBRange, error)
	GetVolumeDB(ctx context.Context) (int, error)
	GetVolume(ctx context.Context) (int, error)
	SetVolume(ctx context.Context, volume int) error
	SetMute(ctx context.Context, mute bool) error
}

// ServerDevice is a media server.
type ServerDevice struct {
	info Info
	MediaServer
}

// NewServer builds a server whose actions go through caller.
func NewServer(info Info, caller Caller) *ServerDevice {
	controlURL, err := info.ControlURL(contentDirectoryPattern)
	return &ServerDevice{
		info:        info,
		MediaServer: &contentDirectory{caller: caller, controlURL: controlURL, err: err},
	}
}

func (s *ServerDevice) Kind() Kind { return KindServer }
func (s *ServerDevice) Info() Info { return s.info }
func (s *ServerDevice) sealed()    {}

// Wrap returns a copy whose operations go through fn(current).
func (s *ServerDevice) Wrap(fn func(MediaServer) MediaServer) *ServerDevice {
	return &ServerDevice{info: s.info, MediaServer: fn(s.MediaServer)}
}

// RendererDevice is a media renderer.
type RendererDevice struct {
	info Info
	MediaRenderer
}

// NewRenderer builds a renderer whose actions go through caller.
func NewRenderer(info Info, caller Caller) *RendererDevice {
	avt, avtErr := info.ControlURL(avTransportPattern)
	rc, rcErr := info.ControlURL(renderingControlPattern)
	return &RendererDevice{
		info: info,
		MediaRenderer: &avRenderer{
			caller: caller,
			avtURL: avt,
			avtErr: avtErr,
			rcURL:  rc,
			rcErr:  rcErr,
		},
	}
}

func (r *RendererDevice) Kind() Kind { return KindRenderer }
func (r *RendererDevice) Info() Info { return r.info }
func (r *RendererDevice) sealed()    {}

// Wrap returns a copy whose operations go through fn(current).
func (r *RendererDevice) Wrap(fn func(MediaRenderer) MediaRenderer) *RendererDevice {
	return &RendererDevice{info: r.info, MediaRenderer: fn(r.MediaRenderer)}
}

// BrowseResult is the decoded Browse or Search response.
type BrowseResult struct {
	Entries        []didl.Entry
	NumberReturned int
	TotalMatches   int
	UpdateID       string
}

// SearchCapabilities is the decoded GetSearchCapabilities response.
type SearchCapabilities struct {
	Present bool
	Raw     string
}

// PositionInfo is the decoded GetPositionInfo response.
type PositionInfo struct {
	Track         string
	TrackDuration string
	TrackMetaData string
	TrackURI      string
	RelTime       string
	AbsTime       string
	RelCount      string
	AbsCount      string
}

// TransportInfo is the decoded GetTransportInfo response.
type TransportInfo struct {
	CurrentTransportState  string
	CurrentTransportStatus string
	CurrentSpeed           string
}

// VolumeDBRange is the decoded GetVolumeDBRange response.
type VolumeDBRange struct {
	MinValue int
	MaxValue int
}
