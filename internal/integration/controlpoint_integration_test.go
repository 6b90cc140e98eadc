//go:build integration
// +build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/mikey-austin/mucp/internal/adapters/clock"
	"github.com/mikey-austin/mucp/internal/adapters/idgen"
	"github.com/mikey-austin/mucp/internal/adapters/mqtt"
	"github.com/mikey-austin/mucp/internal/adapters/mqttserver"
	"github.com/mikey-austin/mucp/internal/controlpoint"
	"github.com/mikey-austin/mucp/internal/core"
	"github.com/mikey-austin/mucp/internal/discovery"
	"github.com/mikey-austin/mucp/internal/events"
	bridgemqtt "github.com/mikey-austin/mucp/internal/modules/bridge_mqtt"
	embeddedmqtt "github.com/mikey-austin/mucp/internal/modules/embedded_mqtt"
	"github.com/mikey-austin/mucp/internal/upnp/device"
	"github.com/mikey-austin/mucp/internal/upnp/soap"
	"github.com/mikey-austin/mucp/internal/upnp/xmltree"
	"github.com/mikey-austin/mucp/pkg/cp"
)

const rendererUSN = "uuid:tv-1::urn:schemas-upnp-org:device:MediaRenderer:1"

// fakeRenderer serves a device description and answers AVTransport and
// RenderingControl actions over real HTTP.
type fakeRenderer struct {
	mu      sync.Mutex
	volume  int
	state   string
	uri     string
	actions []string
}

func (f *fakeRenderer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/desc.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		fmt.Fprint(w, `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0"><device>
<deviceType>urn:schemas-upnp-org:device:MediaRenderer:1</deviceType>
<friendlyName>Living Room TV</friendlyName>
<UDN>uuid:tv-1</UDN>
<serviceList>
<service><serviceType>urn:schemas-upnp-org:service:AVTransport:1</serviceType><controlURL>/avt</controlURL></service>
<service><serviceType>urn:schemas-upnp-org:service:RenderingControl:1</serviceType><controlURL>/rc</controlURL></service>
</serviceList></device></root>`)
	})
	mux.HandleFunc("/avt", f.serveAction)
	mux.HandleFunc("/rc", f.serveAction)
	return mux
}

func (f *fakeRenderer) serveAction(w http.ResponseWriter, r *http.Request) {
	header := strings.Trim(r.Header.Get("SOAPAction"), `"`)
	urn, action, ok := strings.Cut(header, "#")
	if !ok {
		http.Error(w, "missing SOAPAction", http.StatusBadRequest)
		return
	}
	body, _ := io.ReadAll(r.Body)
	req, err := xmltree.Parse(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	args := req.Path("Body", action)

	f.mu.Lock()
	f.actions = append(f.actions, action)
	out := ""
	switch action {
	case "GetTransportInfo":
		out = fmt.Sprintf("<CurrentTransportState>%s</CurrentTransportState><CurrentTransportStatus>OK</CurrentTransportStatus><CurrentSpeed>1</CurrentSpeed>", f.state)
	case "SetAVTransportURI":
		f.uri, _ = args.ChildText("CurrentURI")
		f.state = "STOPPED"
	case "Play":
		f.state = "PLAYING"
	case "Stop":
		f.state = "STOPPED"
	case "GetVolume":
		out = fmt.Sprintf("<CurrentVolume>%d</CurrentVolume>", f.volume)
	case "SetVolume":
		v, _ := args.ChildText("DesiredVolume")
		fmt.Sscanf(v, "%d", &f.volume)
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	fmt.Fprintf(w, `<?xml version="1.0"?><s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body><u:%sResponse xmlns:u="%s">%s</u:%sResponse></s:Body></s:Envelope>`,
		action, urn, out, action)
}

func (f *fakeRenderer) snapshot() (int, string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.volume, f.state, f.uri
}

type harness struct {
	ctx      context.Context
	service  core.Service
	renderer *fakeRenderer
	bus      *events.Bus
	nodeID   string
}

func TestControlPointOverMQTT(t *testing.T) {
	h := setup(t)
	ctx := h.ctx

	nodes, err := h.service.Nodes(ctx)
	if err != nil {
		t.Fatalf("nodes: %v", err)
	}
	if len(nodes) != 1 || nodes[0].NodeID != h.nodeID || nodes[0].Kind != core.KindControlPoint {
		t.Fatalf("unexpected nodes %+v", nodes)
	}

	renderers, err := h.service.Renderers(ctx, "")
	if err != nil {
		t.Fatalf("renderers: %v", err)
	}
	if len(renderers.Devices) != 1 || renderers.Devices[0].Name != "Living Room TV" {
		t.Fatalf("unexpected renderers %+v", renderers.Devices)
	}

	if _, err := h.service.Browse(ctx, "", "0", 0, 10); core.ExitCode(err) != core.ExitNoSelection {
		t.Fatalf("expected no selection, got %v", err)
	}

	if _, err := h.service.SelectRenderer(ctx, "", rendererUSN); err != nil {
		t.Fatalf("select renderer: %v", err)
	}
	if err := h.service.Play(ctx, "", "", "http://media.local/song.mp3"); err != nil {
		t.Fatalf("play: %v", err)
	}
	_, state, uri := h.renderer.snapshot()
	if state != "PLAYING" || uri != "http://media.local/song.mp3" {
		t.Fatalf("unexpected renderer state %s %s", state, uri)
	}

	result, err := h.service.SetVolume(ctx, "", "+15")
	if err != nil {
		t.Fatalf("set volume: %v", err)
	}
	if vol, _, _ := h.renderer.snapshot(); result.Volume != 35 || vol != 35 {
		t.Fatalf("expected volume 35, got %d on renderer %d", result.Volume, vol)
	}

	transport, err := h.service.Transport(ctx, "")
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	if transport.Transport.CurrentTransportState != "PLAYING" {
		t.Fatalf("unexpected transport %+v", transport.Transport)
	}
}

func TestInvalidSelectionReturnsNotFound(t *testing.T) {
	h := setup(t)
	_, err := h.service.SelectRenderer(h.ctx, "", "uuid:missing")
	if core.ExitCode(err) != core.ExitNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEventsReachWatchers(t *testing.T) {
	h := setup(t)
	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()

	evts, _, err := h.service.Watch(ctx, "")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case evt := <-evts:
			if evt.Type == "integration.ping" {
				return
			}
		case <-tick.C:
			h.bus.Publish(cp.Event{Type: "integration.ping"})
		case <-deadline:
			t.Fatalf("timed out waiting for event")
		}
	}
}

func setup(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	logger := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))

	listen := freeListenAddr(t)
	brokerURL := embeddedmqtt.BrokerURL(listen, false)
	broker, err := embeddedmqtt.NewModule(logger, embeddedmqtt.Config{Listen: listen, AllowAnonymous: true})
	if err != nil {
		t.Fatalf("embedded mqtt: %v", err)
	}
	runModule(t, ctx, "embedded_mqtt", broker.Run)
	waitForBrokerReady(t, listen)

	renderer := &fakeRenderer{volume: 20, state: "NO_MEDIA_PRESENT"}
	srv := httptest.NewServer(renderer.handler())
	t.Cleanup(srv.Close)

	soapClient := soap.NewClient(srv.Client(), logger, nil)
	cache := discovery.NewDescriptionCache(logger, 1<<20, time.Minute)
	fetcher := discovery.NewHTTPFetcher(logger, srv.Client(), cache, 2*time.Second)
	manager := discovery.NewManager(logger, nil, fetcher, device.Factory{Caller: soapClient, Log: logger}, discovery.Config{})
	manager.HandleAlive(discovery.Announcement{USN: rendererUSN, Location: srv.URL + "/desc.xml"})
	manager.Wait()

	bus := events.NewBus()
	session := controlpoint.NewSession(manager, controlpoint.Options{Log: logger, Events: bus})

	nodeID := "controlpoint-" + idgen.Generator{}.NewID()
	serverClient := waitForServerClient(t, brokerURL)
	t.Cleanup(func() { serverClient.Close(0) })
	bridge, err := bridgemqtt.NewModule(logger, serverClient, session, bus, bridgemqtt.Config{NodeID: nodeID})
	if err != nil {
		t.Fatalf("bridge: %v", err)
	}
	runModule(t, ctx, "bridge_mqtt", bridge.Run)

	client := waitForClient(t, brokerURL)
	t.Cleanup(client.Close)
	cfg := core.Config{Identity: "integration", TopicBase: cp.BaseTopic, Node: nodeID}
	service := core.Service{
		Broker:   client,
		Resolver: core.Resolver{Presence: client, Config: cfg},
		Clock:    clock.Clock{},
		IDGen:    idgen.Generator{},
		Config:   cfg,
	}
	waitForPresence(t, client, nodeID)

	return &harness{ctx: ctx, service: service, renderer: renderer, bus: bus, nodeID: nodeID}
}

func runModule(t *testing.T, ctx context.Context, name string, run func(context.Context) error) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx)
	}()
	t.Cleanup(func() {
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("%s exited: %v", name, err)
			}
		case <-time.After(2 * time.Second):
			t.Errorf("%s did not stop", name)
		}
	})
}

func waitForClient(t *testing.T, brokerURL string) *mqtt.Client {
	t.Helper()
	var lastErr error
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		client, err := mqtt.NewClient(mqtt.Options{
			BrokerURL: brokerURL,
			ClientID:  "mucp-int-" + idgen.Generator{}.NewID(),
			TopicBase: cp.BaseTopic,
			Timeout:   5 * time.Second,
		})
		if err == nil {
			return client
		}
		lastErr = err
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("connect client: %v", lastErr)
	return nil
}

func waitForServerClient(t *testing.T, brokerURL string) *mqttserver.Client {
	t.Helper()
	var lastErr error
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		client, err := mqttserver.NewClient(mqttserver.Options{
			BrokerURL: brokerURL,
			ClientID:  "mucpd-int-" + idgen.Generator{}.NewID(),
			Timeout:   2 * time.Second,
		})
		if err == nil {
			return client
		}
		lastErr = err
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("connect server client: %v", lastErr)
	return nil
}

func waitForPresence(t *testing.T, client *mqtt.Client, nodeID string) {
	t.Helper()
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		presence, err := client.ListPresence(context.Background())
		if err == nil {
			for _, p := range presence {
				if p.NodeID == nodeID {
					return
				}
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for presence: %s", nodeID)
}

func freeListenAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		if errors.Is(err, syscall.EPERM) {
			t.Skip("network listen not permitted in this environment")
		}
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func waitForBrokerReady(t *testing.T, listen string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", listen, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return
		}
		if errors.Is(err, syscall.EPERM) || strings.Contains(err.Error(), "operation not permitted") {
			t.Skip("network dial not permitted in this environment")
		}
		lastErr = err
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("broker not ready: %v", lastErr)
}
