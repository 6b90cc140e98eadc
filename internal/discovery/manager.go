// Package discovery tracks media servers and renderers announced over SSDP.
package discovery

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/mucp/internal/metrics"
	"github.com/mikey-austin/mucp/internal/upnp/device"
)

// Announcement is an SSDP alive notification or search response.
type Announcement struct {
	USN      string
	Location string
	Type     string
	Server   string
}

// Handler receives SSDP traffic from a Transport.
type Handler interface {
	HandleAlive(a Announcement)
	HandleResponse(a Announcement)
	HandleBye(usn string)
}

// Transport owns the SSDP sockets.
type Transport interface {
	Start(h Handler) error
	Search(ctx context.Context) error
	Stop() error
}

// Builder turns a description into a device. It returns nil for documents
// that are not media devices.
type Builder interface {
	CreateFromXML(data []byte, location string) (device.Device, error)
}

type State string

const (
	StatePending  State = "pending"
	StateResolved State = "resolved"
	StateFailed   State = "failed"
)

// ErrNotMediaDevice marks an entry whose description is not a media server
// or renderer despite its USN.
var ErrNotMediaDevice = errors.New("description is not a media server or renderer")

// Entry is a snapshot of one row in the device table.
type Entry struct {
	USN      string
	Location string
	State    State
	Device   device.Device
	Err      error
}

type entry struct {
	Entry
	seq uint64
}

// Summary is the listing form of a resolved device.
type Summary struct {
	USN  string
	Name string
}

type Config struct {
	// FetchTimeout bounds one description fetch plus build.
	FetchTimeout time.Duration
}

// Manager owns the device table. Failed entries stay failed until a bye-bye
// removes them.
type Manager struct {
	log       *zap.Logger
	transport Transport
	fetcher   Fetcher
	builder   Builder
	cfg       Config

	mu       sync.Mutex
	entries  map[string]*entry
	seq      uint64
	ctx      context.Context
	cancel   context.CancelFunc
	onChange []func()
	onRemove []func(usn string)

	wg sync.WaitGroup
}

func NewManager(log *zap.Logger, transport Transport, fetcher Fetcher, builder Builder, cfg Config) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		log:       log,
		transport: transport,
		fetcher:   fetcher,
		builder:   builder,
		cfg:       cfg,
		entries:   map[string]*entry{},
		ctx:       ctx,
		cancel:    cancel,
	}
}

// OnChange registers fn to run after every table change.
func (m *Manager) OnChange(fn func()) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

// OnRemove registers fn to run with the USN of every removed entry, before
// change hooks.
func (m *Manager) OnRemove(fn func(usn string)) {
	m.mu.Lock()
	m.onRemove = append(m.onRemove, fn)
	m.mu.Unlock()
}

// Start opens the SSDP sockets.
func (m *Manager) Start() error {
	if m.transport == nil {
		return errors.New("no ssdp transport configured")
	}
	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.ctx, m.cancel = context.WithCancel(context.Background())
	}
	m.mu.Unlock()
	return m.transport.Start(m)
}

// Search broadcasts an ssdp:all search. Responses arrive through
// HandleResponse.
func (m *Manager) Search(ctx context.Context) error {
	if m.transport == nil {
		return errors.New("no ssdp transport configured")
	}
	return m.transport.Search(ctx)
}

// Stop closes the SSDP sockets and abandons in-flight fetches. Abandoned
// entries are dropped rather than marked failed.
func (m *Manager) Stop() error {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
	if m.transport == nil {
		return nil
	}
	return m.transport.Stop()
}

// Wait blocks until in-flight description fetches settle.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) HandleAlive(a Announcement) {
	m.observe("alive", a)
}

func (m *Manager) HandleResponse(a Announcement) {
	m.observe("response", a)
}

func (m *Manager) observe(kind string, a Announcement) {
	if a.USN == "" || a.Location == "" || !device.IsMediaType(a.USN) {
		metrics.SSDPEventsTotal.WithLabelValues("ignored").Inc()
		return
	}
	metrics.SSDPEventsTotal.WithLabelValues(kind).Inc()

	m.mu.Lock()
	if _, ok := m.entries[a.USN]; ok {
		m.mu.Unlock()
		return
	}
	m.seq++
	e := &entry{
		Entry: Entry{USN: a.USN, Location: a.Location, State: StatePending},
		seq:   m.seq,
	}
	m.entries[a.USN] = e
	ctx := m.ctx
	m.mu.Unlock()

	m.log.Debug("device announced",
		zap.String("usn", a.USN),
		zap.String("location", a.Location),
		zap.String("via", kind),
	)
	m.updateGauge()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.resolve(ctx, e)
	}()
}

func (m *Manager) resolve(parent context.Context, e *entry) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(parent, m.cfg.FetchTimeout)
	defer cancel()

	dev, err := m.build(ctx, e.USN, e.Location)

	m.mu.Lock()
	if m.entries[e.USN] != e {
		// removed or replaced while fetching
		m.mu.Unlock()
		m.log.Debug("discarding stale description", zap.String("usn", e.USN))
		return
	}
	if err != nil && parent.Err() != nil {
		// Stop abandoned the fetch. The device did not fail, so the next
		// announcement after a restart registers it afresh.
		delete(m.entries, e.USN)
		m.mu.Unlock()
		m.log.Debug("description fetch abandoned", zap.String("usn", e.USN))
		m.updateGauge()
		return
	}
	if err != nil {
		e.State = StateFailed
		e.Err = err
	} else {
		e.State = StateResolved
		e.Device = dev
	}
	m.mu.Unlock()

	if err != nil {
		m.log.Warn("device resolution failed",
			zap.String("usn", e.USN),
			zap.String("location", e.Location),
			zap.Duration("duration", time.Since(started)),
			zap.Error(err),
		)
		m.updateGauge()
		return
	}
	m.log.Info("device resolved",
		zap.String("usn", e.USN),
		zap.String("kind", dev.Kind().String()),
		zap.String("name", dev.Info().Name()),
		zap.Duration("duration", time.Since(started)),
	)
	m.updateGauge()
	m.changed()
}

func (m *Manager) build(ctx context.Context, usn string, location string) (device.Device, error) {
	if m.fetcher == nil || m.builder == nil {
		return nil, errors.New("discovery has no description fetcher")
	}
	data, err := m.fetcher.Fetch(ctx, location)
	if err != nil {
		return nil, err
	}
	dev, err := m.builder.CreateFromXML(data, location)
	if err != nil {
		return nil, err
	}
	if dev == nil {
		return nil, ErrNotMediaDevice
	}
	return dev, nil
}

func (m *Manager) HandleBye(usn string) {
	metrics.SSDPEventsTotal.WithLabelValues("byebye").Inc()
	if usn == "" {
		return
	}
	m.mu.Lock()
	if _, ok := m.entries[usn]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.entries, usn)
	hooks := append([]func(string){}, m.onRemove...)
	m.mu.Unlock()

	m.log.Info("device removed", zap.String("usn", usn))
	for _, fn := range hooks {
		fn(usn)
	}
	m.updateGauge()
	m.changed()
}

func (m *Manager) changed() {
	m.mu.Lock()
	hooks := append([]func(){}, m.onChange...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// Entries returns the whole table in discovery order.
func (m *Manager) Entries() []Entry {
	m.mu.Lock()
	rows := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		rows = append(rows, e)
	}
	out := make([]Entry, 0, len(rows))
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	for _, e := range rows {
		out = append(out, e.Entry)
	}
	m.mu.Unlock()
	return out
}

// Servers lists resolved media servers.
func (m *Manager) Servers() []Summary {
	return m.summaries(device.KindServer)
}

// Renderers lists resolved media renderers.
func (m *Manager) Renderers() []Summary {
	return m.summaries(device.KindRenderer)
}

func (m *Manager) summaries(kind device.Kind) []Summary {
	out := []Summary{}
	for _, e := range m.Entries() {
		if e.State != StateResolved || e.Device.Kind() != kind {
			continue
		}
		out = append(out, Summary{USN: e.USN, Name: e.Device.Info().Name()})
	}
	return out
}

// Server returns the resolved server for usn.
func (m *Manager) Server(usn string) (*device.ServerDevice, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[usn]
	if !ok || e.State != StateResolved {
		return nil, false
	}
	server, ok := e.Device.(*device.ServerDevice)
	return server, ok
}

// Renderer returns the resolved renderer for usn.
func (m *Manager) Renderer(usn string) (*device.RendererDevice, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[usn]
	if !ok || e.State != StateResolved {
		return nil, false
	}
	renderer, ok := e.Device.(*device.RendererDevice)
	return renderer, ok
}

func (m *Manager) updateGauge() {
	counts := map[string]map[State]int{}
	for _, kind := range []string{"server", "renderer"} {
		counts[kind] = map[State]int{StatePending: 0, StateResolved: 0, StateFailed: 0}
	}
	for _, e := range m.Entries() {
		counts[usnKind(e.USN)][e.State]++
	}
	for kind, states := range counts {
		for state, n := range states {
			metrics.Devices.WithLabelValues(kind, string(state)).Set(float64(n))
		}
	}
}

func usnKind(usn string) string {
	if device.IsServerType(usn) {
		return "server"
	}
	return "renderer"
}
