// Package controlpoint is the facade the daemon surfaces drive: one server
// and one renderer selection on top of the discovery table.
package controlpoint

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/mikey-austin/mucp/internal/discovery"
	"github.com/mikey-austin/mucp/internal/upnp/device"
	"github.com/mikey-austin/mucp/internal/upnp/didl"
	"github.com/mikey-austin/mucp/pkg/cp"
)

var (
	ErrNoServer        = errors.New("no media server selected")
	ErrNoRenderer      = errors.New("no renderer selected")
	ErrInvalidArgument = errors.New("invalid argument")
)

// NoSuchDeviceError is returned when selecting a USN that is not a resolved
// device of the requested kind.
type NoSuchDeviceError struct {
	USN string
}

func (e *NoSuchDeviceError) Error() string {
	return "no such device " + e.USN
}

// Discovery is the device table the session reads.
type Discovery interface {
	Start() error
	Search(ctx context.Context) error
	Stop() error
	Entries() []discovery.Entry
	Servers() []discovery.Summary
	Renderers() []discovery.Summary
	Server(usn string) (*device.ServerDevice, bool)
	Renderer(usn string) (*device.RendererDevice, bool)
	OnChange(fn func())
	OnRemove(fn func(usn string))
}

// Publisher receives session events.
type Publisher interface {
	Publish(evt cp.Event)
}

type Options struct {
	Log *zap.Logger
	// ResourcePolicy picks among several res elements. Defaults to the first.
	ResourcePolicy didl.Policy
	Events         Publisher
	CapsCacheSize  int
	CapsCacheTTL   time.Duration
	Now            func() time.Time
}

// Selection is the current server and renderer, nil when unset.
type Selection struct {
	Server   *discovery.Summary
	Renderer *discovery.Summary
}

// PlayRequest names the object to play. URI is used when metadata for ID
// cannot be fetched.
type PlayRequest struct {
	ID  string
	URI string
}

type Session struct {
	log    *zap.Logger
	disc   Discovery
	policy didl.Policy
	events Publisher
	now    func() time.Time
	caps   *expirable.LRU[string, device.SearchCapabilities]

	mu          sync.RWMutex
	serverUSN   string
	rendererUSN string
}

func NewSession(disc Discovery, opts Options) *Session {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.ResourcePolicy == nil {
		opts.ResourcePolicy = didl.First
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CapsCacheSize <= 0 {
		opts.CapsCacheSize = 64
	}
	if opts.CapsCacheTTL <= 0 {
		opts.CapsCacheTTL = 10 * time.Minute
	}
	s := &Session{
		log:    opts.Log,
		disc:   disc,
		policy: opts.ResourcePolicy,
		events: opts.Events,
		now:    opts.Now,
		caps:   expirable.NewLRU[string, device.SearchCapabilities](opts.CapsCacheSize, nil, opts.CapsCacheTTL),
	}
	disc.OnRemove(s.deviceRemoved)
	disc.OnChange(func() {
		s.publish(cp.Event{Type: cp.EventDevicesChanged})
	})
	return s
}

func (s *Session) publish(evt cp.Event) {
	if s.events == nil {
		return
	}
	evt.TS = s.now().Unix()
	s.events.Publish(evt)
}

func (s *Session) deviceRemoved(usn string) {
	var roles []string
	s.mu.Lock()
	if s.serverUSN == usn {
		s.serverUSN = ""
		roles = append(roles, "server")
	}
	if s.rendererUSN == usn {
		s.rendererUSN = ""
		roles = append(roles, "renderer")
	}
	s.mu.Unlock()
	s.caps.Remove(usn)
	for _, role := range roles {
		s.log.Info("selection cleared", zap.String("role", role), zap.String("usn", usn))
		s.publish(cp.Event{Type: cp.EventSelectionChanged, Role: role})
	}
}

func (s *Session) SSDPStart() error {
	return s.disc.Start()
}

func (s *Session) SSDPSearch(ctx context.Context) error {
	return s.disc.Search(ctx)
}

func (s *Session) SSDPStop() error {
	return s.disc.Stop()
}

func (s *Session) Devices() []discovery.Entry {
	return s.disc.Entries()
}

func (s *Session) Servers() []discovery.Summary {
	return s.disc.Servers()
}

func (s *Session) Renderers() []discovery.Summary {
	return s.disc.Renderers()
}

func (s *Session) SelectServer(usn string) error {
	if _, ok := s.disc.Server(usn); !ok {
		return &NoSuchDeviceError{USN: usn}
	}
	s.mu.Lock()
	s.serverUSN = usn
	s.mu.Unlock()
	s.log.Info("server selected", zap.String("usn", usn))
	s.publish(cp.Event{Type: cp.EventSelectionChanged, Role: "server", USN: usn})
	return nil
}

func (s *Session) SelectRenderer(usn string) error {
	if _, ok := s.disc.Renderer(usn); !ok {
		return &NoSuchDeviceError{USN: usn}
	}
	s.mu.Lock()
	s.rendererUSN = usn
	s.mu.Unlock()
	s.log.Info("renderer selected", zap.String("usn", usn))
	s.publish(cp.Event{Type: cp.EventSelectionChanged, Role: "renderer", USN: usn})
	return nil
}

func (s *Session) Selection() Selection {
	s.mu.RLock()
	serverUSN, rendererUSN := s.serverUSN, s.rendererUSN
	s.mu.RUnlock()

	var out Selection
	if server, ok := s.disc.Server(serverUSN); ok {
		out.Server = &discovery.Summary{USN: serverUSN, Name: server.Info().Name()}
	}
	if renderer, ok := s.disc.Renderer(rendererUSN); ok {
		out.Renderer = &discovery.Summary{USN: rendererUSN, Name: renderer.Info().Name()}
	}
	return out
}

func (s *Session) server() (string, *device.ServerDevice, error) {
	s.mu.RLock()
	usn := s.serverUSN
	s.mu.RUnlock()
	if usn == "" {
		return "", nil, ErrNoServer
	}
	server, ok := s.disc.Server(usn)
	if !ok {
		return "", nil, ErrNoServer
	}
	return usn, server, nil
}

func (s *Session) renderer() (*device.RendererDevice, error) {
	s.mu.RLock()
	usn := s.rendererUSN
	s.mu.RUnlock()
	if usn == "" {
		return nil, ErrNoRenderer
	}
	renderer, ok := s.disc.Renderer(usn)
	if !ok {
		return nil, ErrNoRenderer
	}
	return renderer, nil
}

func (s *Session) Browse(ctx context.Context, id string, start int, count int) (device.BrowseResult, error) {
	_, server, err := s.server()
	if err != nil {
		return device.BrowseResult{}, err
	}
	if start < 0 || count < 0 {
		return device.BrowseResult{}, fmt.Errorf("%w: start and count must not be negative", ErrInvalidArgument)
	}
	if id == "" {
		id = "0"
	}
	return server.Browse(ctx, id, start, count)
}

// Search runs a raw criteria expression below container id.
func (s *Session) Search(ctx context.Context, id string, start int, count int, criteria string) (device.BrowseResult, error) {
	_, server, err := s.server()
	if err != nil {
		return device.BrowseResult{}, err
	}
	if start < 0 || count < 0 {
		return device.BrowseResult{}, fmt.Errorf("%w: start and count must not be negative", ErrInvalidArgument)
	}
	if id == "" {
		id = "0"
	}
	return server.Search(ctx, id, start, count, criteria)
}

// SearchText matches term against every searchable field of the server.
func (s *Session) SearchText(ctx context.Context, id string, start int, count int, term string) (device.BrowseResult, error) {
	caps, err := s.GetSearchCapabilities(ctx)
	if err != nil {
		return device.BrowseResult{}, err
	}
	criteria, err := device.Criteria(caps.Fields(), term)
	if err != nil {
		return device.BrowseResult{}, fmt.Errorf("%w: %v", device.ErrServiceNotSupported, err)
	}
	return s.Search(ctx, id, start, count, criteria)
}

// GetSearchCapabilities is memoized per server; failures are not cached.
func (s *Session) GetSearchCapabilities(ctx context.Context) (device.SearchCapabilities, error) {
	usn, server, err := s.server()
	if err != nil {
		return device.SearchCapabilities{}, err
	}
	if caps, ok := s.caps.Get(usn); ok {
		return caps, nil
	}
	caps, err := server.GetSearchCapabilities(ctx)
	if err != nil {
		return device.SearchCapabilities{}, err
	}
	s.caps.Add(usn, caps)
	return caps, nil
}

func stopRequired(state string) bool {
	switch state {
	case "", "NO_MEDIA_PRESENT", "STOPPED":
		return false
	default:
		return true
	}
}

// Play loads an object from the selected server onto the selected renderer.
func (s *Session) Play(ctx context.Context, req PlayRequest) error {
	started := time.Now()
	renderer, err := s.renderer()
	if err != nil {
		return err
	}
	_, server, serverErr := s.server()
	if serverErr != nil && req.URI == "" {
		return serverErr
	}

	info, err := renderer.GetTransportInfo(ctx)
	if err != nil {
		return err
	}
	if stopRequired(info.CurrentTransportState) {
		if err := renderer.Stop(ctx); err != nil {
			return err
		}
	}

	var metadata didl.Metadata
	if serverErr == nil {
		metadata, err = server.GetMetadata(ctx, req.ID)
	} else {
		err = serverErr
	}
	if err != nil {
		if req.URI == "" {
			return err
		}
		s.log.Debug("metadata unavailable, playing uri",
			zap.String("id", req.ID),
			zap.String("uri", req.URI),
			zap.Error(err),
		)
		metadata = didl.FallbackMetadata(req.URI)
	}

	uri, err := didl.ResourceURI(metadata.Object, s.policy)
	if err != nil {
		return err
	}
	if err := renderer.SetAVTransportURI(ctx, uri, metadata.XML); err != nil {
		return err
	}
	if err := renderer.Play(ctx, "1"); err != nil {
		return err
	}
	s.log.Info("playback started",
		zap.String("id", req.ID),
		zap.String("uri", uri),
		zap.String("renderer", renderer.Info().Name()),
		zap.Duration("duration", time.Since(started)),
	)
	return nil
}

func (s *Session) Resume(ctx context.Context) error {
	renderer, err := s.renderer()
	if err != nil {
		return err
	}
	return renderer.Play(ctx, "1")
}

func (s *Session) Pause(ctx context.Context) error {
	renderer, err := s.renderer()
	if err != nil {
		return err
	}
	return renderer.Pause(ctx)
}

func (s *Session) Stop(ctx context.Context) error {
	renderer, err := s.renderer()
	if err != nil {
		return err
	}
	return renderer.Stop(ctx)
}

var relTimePattern = regexp.MustCompile(`^\d+:[0-5]\d:[0-5]\d(\.\d+)?$`)

// Seek moves to an H+:MM:SS position relative to the track start.
func (s *Session) Seek(ctx context.Context, at string) error {
	renderer, err := s.renderer()
	if err != nil {
		return err
	}
	if !relTimePattern.MatchString(at) {
		return fmt.Errorf("%w: seek target %q is not H:MM:SS", ErrInvalidArgument, at)
	}
	return renderer.Seek(ctx, at)
}

// SeekTo is Seek with a duration.
func (s *Session) SeekTo(ctx context.Context, position time.Duration) error {
	return s.Seek(ctx, FormatRelTime(position))
}

func (s *Session) GetPositionInfo(ctx context.Context) (device.PositionInfo, error) {
	renderer, err := s.renderer()
	if err != nil {
		return device.PositionInfo{}, err
	}
	return renderer.GetPositionInfo(ctx)
}

func (s *Session) GetTransportInfo(ctx context.Context) (device.TransportInfo, error) {
	renderer, err := s.renderer()
	if err != nil {
		return device.TransportInfo{}, err
	}
	return renderer.GetTransportInfo(ctx)
}

func (s *Session) GetVolumeDBRange(ctx context.Context) (device.VolumeDBRange, error) {
	renderer, err := s.renderer()
	if err != nil {
		return device.VolumeDBRange{}, err
	}
	return renderer.GetVolumeDBRange(ctx)
}

func (s *Session) GetVolumeDB(ctx context.Context) (int, error) {
	renderer, err := s.renderer()
	if err != nil {
		return 0, err
	}
	return renderer.GetVolumeDB(ctx)
}

func (s *Session) GetVolume(ctx context.Context) (int, error) {
	renderer, err := s.renderer()
	if err != nil {
		return 0, err
	}
	return renderer.GetVolume(ctx)
}

// SetVolume unmutes, ignoring failure, then sets the volume.
func (s *Session) SetVolume(ctx context.Context, desired int) error {
	renderer, err := s.renderer()
	if err != nil {
		return err
	}
	if desired < 0 || desired > 100 {
		return fmt.Errorf("%w: volume %d out of range 0-100", ErrInvalidArgument, desired)
	}
	if err := renderer.SetMute(ctx, false); err != nil {
		s.log.Debug("unmute failed", zap.Error(err))
	}
	return renderer.SetVolume(ctx, desired)
}

func (s *Session) SetMute(ctx context.Context, mute bool) error {
	renderer, err := s.renderer()
	if err != nil {
		return err
	}
	return renderer.SetMute(ctx, mute)
}

// FormatRelTime renders d as HH:MM:SS, clamping negatives to zero.
func FormatRelTime(d time.Duration) string {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	totalSec := ms / 1000
	h := totalSec / 3600
	m := (totalSec % 3600) / 60
	sec := totalSec % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, sec)
}
