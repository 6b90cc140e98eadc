// Package gatewayhttp exposes the control point session as a JSON HTTP API
// with a websocket event feed.
package gatewayhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/render"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mikey-austin/mucp/internal/controlpoint"
	"github.com/mikey-austin/mucp/internal/events"
	"github.com/mikey-austin/mucp/internal/metrics"
	"github.com/mikey-austin/mucp/pkg/cp"
)

const (
	defaultReadHeaderTimeout = 5 * time.Second
	defaultIdleTimeout       = 60 * time.Second
	defaultShutdownTimeout   = 5 * time.Second
	wsReadLimit              = 1024
	wsTimeout                = 60 * time.Second
	wsPingInterval           = 30 * time.Second
	wsPingTimeout            = 5 * time.Second
	wsWriteTimeout           = 5 * time.Second
)

// Dispatcher runs wire commands. *controlpoint.Session implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmdType string, body json.RawMessage) (any, error)
}

// Config configures the gateway.
type Config struct {
	Listen         string
	CommandTimeout time.Duration
	// RateLimit is requests per second across /api; zero disables limiting.
	RateLimit float64
	RateBurst int
	// AllowedOrigins lists the browser origins, such as
	// "http://localhost:3000", that may call the API and open the event
	// feed. Empty allows same-origin pages only. "*" allows any origin.
	AllowedOrigins []string
}

// Module serves the HTTP API.
type Module struct {
	log     *zap.Logger
	session Dispatcher
	bus     *events.Bus
	config  Config
	router  *mux.Router
	limiter *rate.Limiter
	origins map[string]bool
	anyOrig bool

	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	wsMu         sync.Mutex
	conns        map[*websocket.Conn]struct{}
}

type errorResponse struct {
	Error *cp.ReplyError `json:"error"`
}

// NewModule builds the gateway.
func NewModule(log *zap.Logger, session Dispatcher, bus *events.Bus, cfg Config) (*Module, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if session == nil {
		return nil, errors.New("gateway_http requires a session")
	}
	if strings.TrimSpace(cfg.Listen) == "" {
		cfg.Listen = "127.0.0.1:8088"
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 15 * time.Second
	}
	m := &Module{
		log:     log,
		session: session,
		bus:     bus,
		config:  cfg,
		router:  mux.NewRouter(),
		origins: map[string]bool{},
		conns:   make(map[*websocket.Conn]struct{}),
	}
	for _, origin := range cfg.AllowedOrigins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		switch {
		case origin == "*":
			m.anyOrig = true
		case origin != "":
			m.origins[strings.ToLower(origin)] = true
		}
	}
	m.upgrader = websocket.Upgrader{CheckOrigin: m.checkOrigin}
	m.writeTimeout = wsWriteTimeout
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit) + 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	m.routes()
	return m, nil
}

func (m *Module) routes() {
	api := m.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/devices", m.command(cp.TypeDevices, noBody)).Methods(http.MethodGet)
	api.HandleFunc("/servers", m.command(cp.TypeServers, noBody)).Methods(http.MethodGet)
	api.HandleFunc("/renderers", m.command(cp.TypeRenderers, noBody)).Methods(http.MethodGet)
	api.HandleFunc("/ssdp/start", m.command(cp.TypeSSDPStart, noBody)).Methods(http.MethodPost)
	api.HandleFunc("/ssdp/search", m.command(cp.TypeSSDPSearch, noBody)).Methods(http.MethodPost)
	api.HandleFunc("/ssdp/stop", m.command(cp.TypeSSDPStop, noBody)).Methods(http.MethodPost)

	api.HandleFunc("/select/server", m.command(cp.TypeSelectServer, jsonBody[cp.SelectBody])).Methods(http.MethodPost)
	api.HandleFunc("/select/renderer", m.command(cp.TypeSelectRenderer, jsonBody[cp.SelectBody])).Methods(http.MethodPost)
	api.HandleFunc("/selection", m.command(cp.TypeSelection, noBody)).Methods(http.MethodGet)

	api.HandleFunc("/browse", m.command(cp.TypeBrowse, browseQuery)).Methods(http.MethodGet)
	api.HandleFunc("/search", m.command(cp.TypeSearch, searchQuery)).Methods(http.MethodGet)
	api.HandleFunc("/search-capabilities", m.command(cp.TypeSearchCapabilities, noBody)).Methods(http.MethodGet)

	api.HandleFunc("/play", m.command(cp.TypePlay, jsonBody[cp.PlayBody])).Methods(http.MethodPost)
	api.HandleFunc("/resume", m.command(cp.TypeResume, noBody)).Methods(http.MethodPost)
	api.HandleFunc("/pause", m.command(cp.TypePause, noBody)).Methods(http.MethodPost)
	api.HandleFunc("/stop", m.command(cp.TypeStop, noBody)).Methods(http.MethodPost)
	api.HandleFunc("/seek", m.command(cp.TypeSeek, jsonBody[cp.SeekBody])).Methods(http.MethodPost)

	api.HandleFunc("/position", m.command(cp.TypePositionInfo, noBody)).Methods(http.MethodGet)
	api.HandleFunc("/transport", m.command(cp.TypeTransportInfo, noBody)).Methods(http.MethodGet)
	api.HandleFunc("/volume", m.command(cp.TypeGetVolume, noBody)).Methods(http.MethodGet)
	api.HandleFunc("/volume", m.command(cp.TypeSetVolume, jsonBody[cp.SetVolumeBody])).Methods(http.MethodPut)
	api.HandleFunc("/volume-db", m.command(cp.TypeVolumeDB, noBody)).Methods(http.MethodGet)
	api.HandleFunc("/volume-db-range", m.command(cp.TypeVolumeDBRange, noBody)).Methods(http.MethodGet)
	api.HandleFunc("/mute", m.command(cp.TypeSetMute, jsonBody[cp.SetMuteBody])).Methods(http.MethodPut)

	m.router.HandleFunc("/healthz", handleHealth).Methods(http.MethodGet)
	m.router.Handle("/metrics", promhttp.Handler())
}

// Handler returns the full handler chain. Websocket upgrades bypass the
// middleware so the connection can be hijacked.
func (m *Module) Handler() http.Handler {
	var h http.Handler = m.router
	h = m.rateLimit(h)
	if m.anyOrig || len(m.origins) > 0 {
		// rs/cors treats an empty origin list as "*", so the middleware is
		// only installed when origins are configured.
		h = cors.New(cors.Options{
			AllowOriginFunc: m.allowedOrigin,
			AllowedMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut},
			AllowedHeaders:  []string{"Content-Type"},
		}).Handler(h)
	}
	h = m.accessLog(h)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/events" {
			m.handleEvents(w, r)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// Run serves until ctx is done.
func (m *Module) Run(ctx context.Context) error {
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", m.config.Listen)
	if err != nil {
		return fmt.Errorf("gateway listen %s: %w", m.config.Listen, err)
	}

	srv := &http.Server{
		Handler:           m.Handler(),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		IdleTimeout:       defaultIdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	if m.bus != nil {
		evts, cancel := m.bus.Subscribe(64)
		defer cancel()
		go func() {
			for evt := range evts {
				m.broadcast(evt)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	m.log.Info("http gateway listening", zap.String("listen", m.config.Listen))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	srv.SetKeepAlivesEnabled(false)
	err = srv.Shutdown(shutdownCtx)
	m.closeConns()
	return err
}

type bodyFunc func(r *http.Request) (any, error)

func noBody(*http.Request) (any, error) {
	return struct{}{}, nil
}

func jsonBody[T any](r *http.Request) (any, error) {
	var body T
	if err := render.DecodeJSON(r.Body, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", controlpoint.ErrInvalidArgument, err)
	}
	return body, nil
}

func browseQuery(r *http.Request) (any, error) {
	q := r.URL.Query()
	start, count, err := paging(q.Get("start"), q.Get("count"))
	if err != nil {
		return nil, err
	}
	return cp.BrowseBody{ID: q.Get("id"), Start: start, Count: count}, nil
}

func searchQuery(r *http.Request) (any, error) {
	q := r.URL.Query()
	start, count, err := paging(q.Get("start"), q.Get("count"))
	if err != nil {
		return nil, err
	}
	return cp.SearchBody{
		ID:     q.Get("id"),
		Start:  start,
		Count:  count,
		Search: q.Get("search"),
		Query:  q.Get("q"),
	}, nil
}

func paging(startRaw, countRaw string) (int, int, error) {
	start, err := queryInt("start", startRaw)
	if err != nil {
		return 0, 0, err
	}
	count, err := queryInt("count", countRaw)
	if err != nil {
		return 0, 0, err
	}
	return start, count, nil
}

func queryInt(name, raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", controlpoint.ErrInvalidArgument, name)
	}
	return v, nil
}

func (m *Module) command(cmdType string, build bodyFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := build(r)
		if err != nil {
			metrics.ObserveCommand("http", cmdType, false)
			m.writeError(w, r, err)
			return
		}
		payload, err := json.Marshal(body)
		if err != nil {
			metrics.ObserveCommand("http", cmdType, false)
			m.writeError(w, r, err)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), m.config.CommandTimeout)
		defer cancel()
		out, err := m.session.Dispatch(ctx, cmdType, payload)
		metrics.ObserveCommand("http", cmdType, err == nil)
		if err != nil {
			m.writeError(w, r, err)
			return
		}
		render.JSON(w, r, out)
	}
}

func (m *Module) writeError(w http.ResponseWriter, r *http.Request, err error) {
	replyErr := controlpoint.ReplyError(err)
	status := statusForCode(replyErr.Code)
	if status >= http.StatusInternalServerError {
		m.log.Warn("request failed", zap.String("path", r.URL.Path), zap.String("code", replyErr.Code), zap.Error(err))
	}
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: replyErr})
}

func statusForCode(code string) int {
	switch code {
	case cp.CodeInvalid:
		return http.StatusBadRequest
	case cp.CodeNotFound:
		return http.StatusNotFound
	case cp.CodeNoSelection:
		return http.StatusConflict
	case cp.CodeUnsupported:
		return http.StatusNotImplemented
	case cp.CodeSOAPFault, cp.CodeProtocol, cp.CodeTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

func (m *Module) rateLimit(next http.Handler) http.Handler {
	if m.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		if !m.limiter.Allow() {
			render.Status(r, http.StatusTooManyRequests)
			render.JSON(w, r, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (m *Module) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.log.Debug("http",
			zap.String("method", r.Method),
			zap.String("url", r.URL.String()),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(started)),
		)
	})
}

func (m *Module) allowedOrigin(origin string) bool {
	if m.anyOrig {
		return true
	}
	return m.origins[strings.ToLower(strings.TrimRight(origin, "/"))]
}

// checkOrigin admits websocket clients that send no Origin, pages served
// from the gateway itself, and configured origins.
func (m *Module) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err == nil && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	return m.allowedOrigin(origin)
}

func (m *Module) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	m.wsMu.Lock()
	m.conns[conn] = struct{}{}
	m.wsMu.Unlock()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsTimeout))
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsPingTimeout)); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	close(done)

	m.wsMu.Lock()
	delete(m.conns, conn)
	m.wsMu.Unlock()
	_ = conn.Close()
}

// broadcast writes v to every client. A client that cannot take the write
// within the write timeout is dropped.
func (m *Module) broadcast(v any) {
	m.wsMu.Lock()
	defer m.wsMu.Unlock()
	for c := range m.conns {
		_ = c.SetWriteDeadline(time.Now().Add(m.writeTimeout))
		if err := c.WriteJSON(v); err != nil {
			m.log.Debug("dropping websocket client", zap.String("remote", c.RemoteAddr().String()), zap.Error(err))
			delete(m.conns, c)
			_ = c.Close()
		}
	}
}

func (m *Module) closeConns() {
	m.wsMu.Lock()
	defer m.wsMu.Unlock()
	for c := range m.conns {
		_ = c.Close()
	}
}

func (m *Module) connCount() int {
	m.wsMu.Lock()
	defer m.wsMu.Unlock()
	return len(m.conns)
}
