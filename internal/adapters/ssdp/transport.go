// Package ssdp binds the discovery manager to multicast SSDP.
package ssdp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	gossdp "github.com/koron/go-ssdp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mikey-austin/mucp/internal/discovery"
)

// ErrSearchThrottled is returned when searches arrive faster than the
// configured interval.
var ErrSearchThrottled = errors.New("ssdp search throttled")

// ErrNotStarted is returned by Search while the transport is stopped.
var ErrNotStarted = errors.New("ssdp transport not started")

type Config struct {
	// WaitSeconds is the MX value of an M-SEARCH.
	WaitSeconds int
	// LocalAddr binds sockets to one interface address; empty uses all.
	LocalAddr string
	// MinInterval between two searches.
	MinInterval time.Duration
}

type searchFunc func(searchType string, waitSec int, localAddr string) ([]gossdp.Service, error)

// Transport implements discovery.Transport on top of go-ssdp.
type Transport struct {
	log     *zap.Logger
	cfg     Config
	limiter *rate.Limiter
	search  searchFunc

	mu      sync.Mutex
	monitor *gossdp.Monitor
	handler discovery.Handler
}

func NewTransport(log *zap.Logger, cfg Config) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.WaitSeconds <= 0 {
		cfg.WaitSeconds = 2
	}
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	return &Transport{
		log:     log,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		search: func(searchType string, waitSec int, localAddr string) ([]gossdp.Service, error) {
			return gossdp.Search(searchType, waitSec, localAddr)
		},
	}
}

func (t *Transport) Start(h discovery.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
	if t.monitor != nil {
		return nil
	}
	if t.cfg.LocalAddr != "" {
		ifi, err := interfaceFor(t.cfg.LocalAddr)
		if err != nil {
			return err
		}
		// go-ssdp joins the multicast group on these interfaces for both the
		// monitor and searches.
		gossdp.Interfaces = []net.Interface{*ifi}
	}
	monitor := &gossdp.Monitor{
		Alive: func(m *gossdp.AliveMessage) {
			h.HandleAlive(aliveAnnouncement(m))
		},
		Bye: func(m *gossdp.ByeMessage) {
			h.HandleBye(m.USN)
		},
	}
	if err := monitor.Start(); err != nil {
		return err
	}
	t.monitor = monitor
	t.log.Info("ssdp monitor started", zap.String("local_addr", t.cfg.LocalAddr))
	return nil
}

// Search sends an ssdp:all M-SEARCH and feeds the responses to the handler.
// It blocks for the wait window.
func (t *Transport) Search(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.limiter.Allow() {
		return ErrSearchThrottled
	}
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h == nil {
		return ErrNotStarted
	}

	started := time.Now()
	services, err := t.search(gossdp.All, t.cfg.WaitSeconds, t.cfg.LocalAddr)
	if err != nil {
		return err
	}
	accepted := 0
	for _, svc := range services {
		if ctx.Err() != nil {
			break
		}
		if !validResponse(svc) {
			t.log.Debug("ignoring ssdp search response",
				zap.String("usn", svc.USN),
				zap.String("location", svc.Location),
			)
			continue
		}
		accepted++
		h.HandleResponse(serviceAnnouncement(svc))
	}
	t.log.Debug("ssdp search done",
		zap.Int("responses", len(services)),
		zap.Int("accepted", accepted),
		zap.Duration("duration", time.Since(started)),
	)
	return ctx.Err()
}

func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = nil
	if t.monitor == nil {
		return nil
	}
	err := t.monitor.Close()
	t.monitor = nil
	t.log.Info("ssdp monitor stopped")
	return err
}

// validResponse reports whether svc looks like a 200 OK search response.
// go-ssdp drops the status line, so a response is accepted only when it
// carries the ST, USN and LOCATION headers a successful reply must echo.
func validResponse(svc gossdp.Service) bool {
	return svc.Type != "" && svc.USN != "" && svc.Location != ""
}

// interfaceFor finds the interface that owns the IP address addr.
func interfaceFor(addr string) (*net.Interface, error) {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("ssdp local address %q is not an IP address", addr)
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			var candidate net.IP
			switch v := a.(type) {
			case *net.IPNet:
				candidate = v.IP
			case *net.IPAddr:
				candidate = v.IP
			}
			if candidate != nil && candidate.Equal(ip) {
				return &ifaces[i], nil
			}
		}
	}
	return nil, fmt.Errorf("no interface owns ssdp local address %s", addr)
}

func aliveAnnouncement(m *gossdp.AliveMessage) discovery.Announcement {
	return discovery.Announcement{
		USN:      m.USN,
		Location: m.Location,
		Type:     m.Type,
		Server:   m.Server,
	}
}

func serviceAnnouncement(s gossdp.Service) discovery.Announcement {
	return discovery.Announcement{
		USN:      s.USN,
		Location: s.Location,
		Type:     s.Type,
		Server:   s.Server,
	}
}
