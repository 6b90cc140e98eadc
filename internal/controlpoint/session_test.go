package controlpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mikey-austin/mucp/internal/discovery"
	"github.com/mikey-austin/mucp/internal/events"
	"github.com/mikey-austin/mucp/internal/upnp/device"
	"github.com/mikey-austin/mucp/internal/upnp/didl"
	"github.com/mikey-austin/mucp/internal/upnp/soap"
	"github.com/mikey-austin/mucp/internal/upnp/xmltree"
	"github.com/mikey-austin/mucp/pkg/cp"
)

const (
	serverUSN   = "uuid:srv::urn:schemas-upnp-org:device:MediaServer:1"
	rendererUSN = "uuid:rnd::urn:schemas-upnp-org:device:MediaRenderer:1"
	serverLoc   = "http://10.0.0.2:8200/desc.xml"
	rendererLoc = "http://10.0.0.3:1400/desc.xml"
)

type sentCall struct {
	action string
	args   map[string]string
}

type fakeCaller struct {
	mu        sync.Mutex
	calls     []sentCall
	responses map[string]string
	errs      map[string]error
}

func (f *fakeCaller) Call(ctx context.Context, controlURL string, serviceURN string, action string, args []soap.Arg) (*xmltree.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	named := map[string]string{}
	for _, a := range args {
		named[a.Name] = a.Value
	}
	f.calls = append(f.calls, sentCall{action: action, args: named})
	if err := f.errs[action]; err != nil {
		return nil, err
	}
	body := f.responses[action]
	if body == "" {
		body = fmt.Sprintf("<%sResponse/>", action)
	}
	return xmltree.Parse([]byte(body))
}

func (f *fakeCaller) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.action)
	}
	return out
}

func (f *fakeCaller) last(action string) sentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].action == action {
			return f.calls[i]
		}
	}
	return sentCall{}
}

type staticFetcher map[string][]byte

func (s staticFetcher) Fetch(ctx context.Context, location string) ([]byte, error) {
	data, ok := s[location]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func desc(deviceType string, name string, services string) []byte {
	return []byte(`<root><device><deviceType>` + deviceType + `</deviceType><friendlyName>` + name +
		`</friendlyName><serviceList>` + services + `</serviceList></device></root>`)
}

func service(kind string, path string) string {
	return `<service><serviceType>urn:schemas-upnp-org:service:` + kind + `:1</serviceType><controlURL>` + path + `</controlURL></service>`
}

type fixture struct {
	caller  *fakeCaller
	manager *discovery.Manager
	session *Session
	bus     *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	caller := &fakeCaller{responses: map[string]string{}, errs: map[string]error{}}
	fetcher := staticFetcher{
		serverLoc:   desc("urn:schemas-upnp-org:device:MediaServer:1", "NAS", service("ContentDirectory", "/cd")),
		rendererLoc: desc("urn:schemas-upnp-org:device:MediaRenderer:1", "TV", service("AVTransport", "/avt")+service("RenderingControl", "/rc")),
	}
	manager := discovery.NewManager(nil, nil, fetcher, device.Factory{Caller: caller}, discovery.Config{})
	bus := events.NewBus()
	session := NewSession(manager, Options{Events: bus})
	manager.HandleAlive(discovery.Announcement{USN: serverUSN, Location: serverLoc})
	manager.HandleAlive(discovery.Announcement{USN: rendererUSN, Location: rendererLoc})
	manager.Wait()
	return &fixture{caller: caller, manager: manager, session: session, bus: bus}
}

func (f *fixture) selectBoth(t *testing.T) {
	t.Helper()
	if err := f.session.SelectServer(serverUSN); err != nil {
		t.Fatalf("select server: %v", err)
	}
	if err := f.session.SelectRenderer(rendererUSN); err != nil {
		t.Fatalf("select renderer: %v", err)
	}
}

func metadataResponse(didlDoc string) string {
	return `<BrowseResponse><Result>` + html.EscapeString(didlDoc) + `</Result><NumberReturned>1</NumberReturned><TotalMatches>1</TotalMatches></BrowseResponse>`
}

func transportState(state string) string {
	return `<GetTransportInfoResponse><CurrentTransportState>` + state + `</CurrentTransportState></GetTransportInfoResponse>`
}

func sameActions(got []string, want ...string) bool {
	return strings.Join(got, ",") == strings.Join(want, ",")
}

func TestOperationsRequireSelection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.session.Browse(ctx, "0", 0, 10); !errors.Is(err, ErrNoServer) {
		t.Fatalf("expected ErrNoServer, got %v", err)
	}
	if _, err := f.session.Search(ctx, "0", 0, 10, "*"); !errors.Is(err, ErrNoServer) {
		t.Fatalf("expected ErrNoServer, got %v", err)
	}
	if _, err := f.session.GetSearchCapabilities(ctx); !errors.Is(err, ErrNoServer) {
		t.Fatalf("expected ErrNoServer, got %v", err)
	}
	if err := f.session.Play(ctx, PlayRequest{ID: "1"}); !errors.Is(err, ErrNoRenderer) {
		t.Fatalf("expected ErrNoRenderer, got %v", err)
	}
	if err := f.session.Pause(ctx); !errors.Is(err, ErrNoRenderer) {
		t.Fatalf("expected ErrNoRenderer, got %v", err)
	}
	if err := f.session.SetVolume(ctx, 10); !errors.Is(err, ErrNoRenderer) {
		t.Fatalf("expected ErrNoRenderer, got %v", err)
	}
	if _, err := f.session.GetPositionInfo(ctx); err == nil || err.Error() != "no renderer selected" {
		t.Fatalf("unexpected error %v", err)
	}

	if err := f.session.SelectRenderer(rendererUSN); err != nil {
		t.Fatalf("select renderer: %v", err)
	}
	if err := f.session.Play(ctx, PlayRequest{ID: "1"}); !errors.Is(err, ErrNoServer) {
		t.Fatalf("expected ErrNoServer, got %v", err)
	}
	if calls := f.caller.actions(); len(calls) != 0 {
		t.Fatalf("expected no network calls, got %v", calls)
	}
}

func TestSelectUnknownDevice(t *testing.T) {
	f := newFixture(t)
	f.selectBoth(t)

	err := f.session.SelectServer("uuid:missing")
	var noDevice *NoSuchDeviceError
	if !errors.As(err, &noDevice) || err.Error() != "no such device uuid:missing" {
		t.Fatalf("unexpected error %v", err)
	}
	if err := f.session.SelectRenderer(serverUSN); !errors.As(err, &noDevice) {
		t.Fatalf("server must not be selectable as renderer, got %v", err)
	}
	sel := f.session.Selection()
	if sel.Server == nil || sel.Server.USN != serverUSN || sel.Renderer == nil || sel.Renderer.USN != rendererUSN {
		t.Fatalf("selection changed: %+v", sel)
	}
}

func TestPlayStopsActiveTransport(t *testing.T) {
	f := newFixture(t)
	f.selectBoth(t)
	didlDoc := `<DIDL-Lite><item id="42"><title>Song</title><res protocolInfo="http-get:*:audio/flac:*">http://10.0.0.2:8200/42.flac</res></item></DIDL-Lite>`
	f.caller.responses["GetTransportInfo"] = transportState("PLAYING")
	f.caller.responses["Browse"] = metadataResponse(didlDoc)

	if err := f.session.Play(context.Background(), PlayRequest{ID: "42"}); err != nil {
		t.Fatalf("play: %v", err)
	}
	if got := f.caller.actions(); !sameActions(got, "GetTransportInfo", "Stop", "Browse", "SetAVTransportURI", "Play") {
		t.Fatalf("unexpected actions %v", got)
	}
	set := f.caller.last("SetAVTransportURI")
	if set.args["CurrentURI"] != "http://10.0.0.2:8200/42.flac" {
		t.Fatalf("unexpected uri %q", set.args["CurrentURI"])
	}
	if set.args["CurrentURIMetaData"] != didlDoc {
		t.Fatalf("unexpected metadata %q", set.args["CurrentURIMetaData"])
	}
	if f.caller.last("Play").args["Speed"] != "1" {
		t.Fatalf("expected speed 1")
	}
	if browse := f.caller.last("Browse"); browse.args["BrowseFlag"] != "BrowseMetadata" || browse.args["ObjectID"] != "42" {
		t.Fatalf("unexpected browse args %v", browse.args)
	}
}

func TestPlayForwardsEntityMetadataVerbatim(t *testing.T) {
	f := newFixture(t)
	f.selectBoth(t)
	didlDoc := `<DIDL-Lite xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/" xmlns:dc="http://purl.org/dc/elements/1.1/">` +
		`<item id="7" parentID="0"><dc:title>Tom &amp; Jerry &lt;live&gt;</dc:title><res>http://h/a?x=1&amp;y=2</res></item></DIDL-Lite>`
	f.caller.responses["Browse"] = metadataResponse(didlDoc)

	result, err := f.session.Browse(context.Background(), "0", 0, 10)
	if err != nil {
		t.Fatalf("browse: %v", err)
	}
	if len(result.Entries) != 1 || result.Entries[0].Title != "Tom & Jerry <live>" {
		t.Fatalf("unexpected entries %+v", result.Entries)
	}

	if err := f.session.Play(context.Background(), PlayRequest{ID: "7"}); err != nil {
		t.Fatalf("play: %v", err)
	}
	set := f.caller.last("SetAVTransportURI")
	if set.args["CurrentURI"] != "http://h/a?x=1&y=2" {
		t.Fatalf("unexpected uri %q", set.args["CurrentURI"])
	}
	if set.args["CurrentURIMetaData"] != didlDoc {
		t.Fatalf("metadata must be the server document, got %q", set.args["CurrentURIMetaData"])
	}
	if _, err := didl.Parse(set.args["CurrentURIMetaData"]); err != nil {
		t.Fatalf("forwarded metadata does not parse: %v", err)
	}
}

func TestPlaySkipsStopWhenIdle(t *testing.T) {
	for _, state := range []string{"", "STOPPED", "NO_MEDIA_PRESENT"} {
		f := newFixture(t)
		f.selectBoth(t)
		if state != "" {
			f.caller.responses["GetTransportInfo"] = transportState(state)
		}
		f.caller.responses["Browse"] = metadataResponse(`<DIDL-Lite><item id="1"><res>http://x/1.mp3</res></item></DIDL-Lite>`)
		if err := f.session.Play(context.Background(), PlayRequest{ID: "1"}); err != nil {
			t.Fatalf("play %q: %v", state, err)
		}
		if got := f.caller.actions(); !sameActions(got, "GetTransportInfo", "Browse", "SetAVTransportURI", "Play") {
			t.Fatalf("state %q: unexpected actions %v", state, got)
		}
	}
}

func TestPlayFallsBackToURI(t *testing.T) {
	f := newFixture(t)
	f.selectBoth(t)
	f.caller.errs["Browse"] = &soap.SoapError{Action: "Browse", Code: "701", Description: "No such object"}

	if err := f.session.Play(context.Background(), PlayRequest{ID: "gone", URI: "http://radio/stream"}); err != nil {
		t.Fatalf("play: %v", err)
	}
	set := f.caller.last("SetAVTransportURI")
	if set.args["CurrentURI"] != "http://radio/stream" || set.args["CurrentURIMetaData"] != "" {
		t.Fatalf("unexpected set args %v", set.args)
	}
}

func TestPlayPropagatesMetadataError(t *testing.T) {
	f := newFixture(t)
	f.selectBoth(t)
	fault := &soap.SoapError{Action: "Browse", Code: "701"}
	f.caller.errs["Browse"] = fault

	err := f.session.Play(context.Background(), PlayRequest{ID: "gone"})
	if err != fault {
		t.Fatalf("expected original error, got %v", err)
	}
	if got := f.caller.last("SetAVTransportURI"); got.action != "" {
		t.Fatalf("must not set uri")
	}
}

func TestPlayWithoutServerUsesURI(t *testing.T) {
	f := newFixture(t)
	if err := f.session.SelectRenderer(rendererUSN); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := f.session.Play(context.Background(), PlayRequest{URI: "http://radio/stream"}); err != nil {
		t.Fatalf("play: %v", err)
	}
	if got := f.caller.actions(); !sameActions(got, "GetTransportInfo", "SetAVTransportURI", "Play") {
		t.Fatalf("unexpected actions %v", got)
	}
}

func TestPlayUnknownResource(t *testing.T) {
	f := newFixture(t)
	f.selectBoth(t)
	f.caller.responses["Browse"] = metadataResponse(`<DIDL-Lite><item id="1"><title>No res</title></item></DIDL-Lite>`)
	err := f.session.Play(context.Background(), PlayRequest{ID: "1"})
	if !errors.Is(err, didl.ErrUnknownResource) || err.Error() != "unable to understand resource" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestPlayResourcePolicy(t *testing.T) {
	f := newFixture(t)
	f.session.policy = didl.PreferMime("audio/flac")
	f.selectBoth(t)
	f.caller.responses["Browse"] = metadataResponse(`<DIDL-Lite><item id="1">` +
		`<res protocolInfo="http-get:*:audio/mpeg:*">http://x/1.mp3</res>` +
		`<res protocolInfo="http-get:*:audio/flac:*">http://x/1.flac</res></item></DIDL-Lite>`)
	if err := f.session.Play(context.Background(), PlayRequest{ID: "1"}); err != nil {
		t.Fatalf("play: %v", err)
	}
	if uri := f.caller.last("SetAVTransportURI").args["CurrentURI"]; uri != "http://x/1.flac" {
		t.Fatalf("unexpected uri %s", uri)
	}
}

func TestByeClearsSelectedRenderer(t *testing.T) {
	f := newFixture(t)
	f.selectBoth(t)
	ch, cancel := f.bus.Subscribe(8)
	defer cancel()

	f.manager.HandleBye(rendererUSN)

	if _, err := f.session.GetVolume(context.Background()); !errors.Is(err, ErrNoRenderer) {
		t.Fatalf("expected ErrNoRenderer, got %v", err)
	}
	if sel := f.session.Selection(); sel.Renderer != nil || sel.Server == nil {
		t.Fatalf("unexpected selection %+v", sel)
	}
	var types []string
	for len(ch) > 0 {
		evt := <-ch
		types = append(types, evt.Type+":"+evt.Role)
	}
	if !sameActions(types, cp.EventSelectionChanged+":renderer", cp.EventDevicesChanged+":") {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestSetVolumeIgnoresMuteFailure(t *testing.T) {
	f := newFixture(t)
	f.selectBoth(t)
	f.caller.errs["SetMute"] = errors.New("action not implemented")

	if err := f.session.SetVolume(context.Background(), 40); err != nil {
		t.Fatalf("set volume: %v", err)
	}
	if got := f.caller.actions(); !sameActions(got, "SetMute", "SetVolume") {
		t.Fatalf("unexpected actions %v", got)
	}
	if f.caller.last("SetMute").args["DesiredMute"] != "0" || f.caller.last("SetVolume").args["DesiredVolume"] != "40" {
		t.Fatalf("unexpected args")
	}
	if err := f.session.SetVolume(context.Background(), 101); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestSearchCapabilitiesMemoized(t *testing.T) {
	f := newFixture(t)
	f.selectBoth(t)
	ctx := context.Background()
	f.caller.errs["GetSearchCapabilities"] = errors.New("timeout")
	if _, err := f.session.GetSearchCapabilities(ctx); err == nil {
		t.Fatalf("expected error")
	}
	delete(f.caller.errs, "GetSearchCapabilities")
	f.caller.responses["GetSearchCapabilities"] = `<GetSearchCapabilitiesResponse><SearchCaps>dc:title,upnp:artist</SearchCaps></GetSearchCapabilitiesResponse>`

	for i := 0; i < 2; i++ {
		caps, err := f.session.GetSearchCapabilities(ctx)
		if err != nil || caps.Raw != "dc:title,upnp:artist" {
			t.Fatalf("unexpected caps %+v %v", caps, err)
		}
	}
	count := 0
	for _, a := range f.caller.actions() {
		if a == "GetSearchCapabilities" {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("expected failure plus one cached success, got %d calls", count)
	}

	if _, err := f.session.SearchText(ctx, "0", 0, 20, `Nick "Cave"`); err != nil {
		t.Fatalf("search text: %v", err)
	}
	want := `dc:title contains "Nick \"Cave\"" or upnp:artist contains "Nick \"Cave\""`
	if got := f.caller.last("Search").args["SearchCriteria"]; got != want {
		t.Fatalf("unexpected criteria %s", got)
	}
}

func TestSeek(t *testing.T) {
	f := newFixture(t)
	f.selectBoth(t)
	ctx := context.Background()
	if err := f.session.Seek(ctx, "1:2"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if err := f.session.SeekTo(ctx, 90*time.Second); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if got := f.caller.last("Seek").args["Target"]; got != "00:01:30" {
		t.Fatalf("unexpected target %s", got)
	}
}

func TestFormatRelTime(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{-time.Second, "00:00:00"},
		{0, "00:00:00"},
		{59*time.Second + 900*time.Millisecond, "00:00:59"},
		{3*time.Hour + 4*time.Minute + 5*time.Second, "03:04:05"},
	}
	for _, tc := range cases {
		if got := FormatRelTime(tc.in); got != tc.want {
			t.Fatalf("%v: expected %s, got %s", tc.in, tc.want, got)
		}
	}
}

func TestErrorCode(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{ErrNoServer, cp.CodeNoSelection},
		{fmt.Errorf("wrap: %w", ErrNoRenderer), cp.CodeNoSelection},
		{&NoSuchDeviceError{USN: "x"}, cp.CodeNotFound},
		{&soap.SoapError{Code: "701"}, cp.CodeSOAPFault},
		{&soap.ProtocolMismatchError{Action: "Play"}, cp.CodeProtocol},
		{&soap.HTTPError{StatusCode: 500}, cp.CodeTransport},
		{&device.ServiceError{Pattern: "AVTransport"}, cp.CodeUnsupported},
		{didl.ErrUnknownResource, cp.CodeUnsupported},
		{fmt.Errorf("%w: bad", ErrInvalidArgument), cp.CodeInvalid},
		{errors.New("boom"), cp.CodeInternal},
	}
	for _, tc := range cases {
		if got := ErrorCode(tc.err); got != tc.code {
			t.Fatalf("%v: expected %s, got %s", tc.err, tc.code, got)
		}
	}
}

func TestReplyErrorCarriesFaultPayload(t *testing.T) {
	payload := json.RawMessage(`{"errorCode":"701","errorDescription":"No such object"}`)
	reply := ReplyError(&soap.SoapError{Action: "Browse", Code: "701", Payload: payload})
	if reply.Code != cp.CodeSOAPFault || string(reply.Detail) != string(payload) {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestDispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.session.Dispatch(ctx, cp.TypeServers, nil)
	if err != nil {
		t.Fatalf("servers: %v", err)
	}
	if list := out.(cp.DeviceListReply); len(list.Devices) != 1 || list.Devices[0].Name != "NAS" {
		t.Fatalf("unexpected servers %+v", list)
	}

	out, err = f.session.Dispatch(ctx, cp.TypeSelectRenderer, json.RawMessage(`{"usn":"`+rendererUSN+`"}`))
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel := out.(cp.SelectionReply); sel.Renderer == nil || sel.Renderer.Name != "TV" {
		t.Fatalf("unexpected selection %+v", sel)
	}

	f.caller.responses["GetVolume"] = `<GetVolumeResponse><CurrentVolume>17</CurrentVolume></GetVolumeResponse>`
	out, err = f.session.Dispatch(ctx, cp.TypeGetVolume, json.RawMessage(`{}`))
	if err != nil || out.(cp.VolumeReply).Volume != 17 {
		t.Fatalf("unexpected volume %+v %v", out, err)
	}

	if _, err := f.session.Dispatch(ctx, cp.TypeSeek, json.RawMessage(`{"positionMs":61000}`)); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if got := f.caller.last("Seek").args["Target"]; got != "00:01:01" {
		t.Fatalf("unexpected target %s", got)
	}

	if _, err := f.session.Dispatch(ctx, "cp.nope", nil); ErrorCode(err) != cp.CodeInvalid {
		t.Fatalf("expected invalid, got %v", err)
	}
	if _, err := f.session.Dispatch(ctx, cp.TypeBrowse, json.RawMessage(`{"id":`)); ErrorCode(err) != cp.CodeInvalid {
		t.Fatalf("expected invalid body, got %v", err)
	}
	if _, err := f.session.Dispatch(ctx, cp.TypeBrowse, json.RawMessage(`{"id":"0"}`)); ErrorCode(err) != cp.CodeNoSelection {
		t.Fatalf("expected no selection, got %v", err)
	}
}

type countingTransport struct {
	mu       sync.Mutex
	starts   int
	searches int
	stops    int
}

func (c *countingTransport) Start(discovery.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	return nil
}

func (c *countingTransport) Search(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.searches++
	return nil
}

func (c *countingTransport) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	return nil
}

func TestDispatchSSDPLifecycle(t *testing.T) {
	transport := &countingTransport{}
	manager := discovery.NewManager(nil, transport, staticFetcher{}, device.Factory{}, discovery.Config{})
	session := NewSession(manager, Options{})
	ctx := context.Background()

	for _, typ := range []string{cp.TypeSSDPStart, cp.TypeSSDPSearch, cp.TypeSSDPStop} {
		if _, err := session.Dispatch(ctx, typ, nil); err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
	}
	if transport.starts != 1 || transport.searches != 1 || transport.stops != 1 {
		t.Fatalf("unexpected transport calls %+v", transport)
	}

	f := newFixture(t)
	if _, err := f.session.Dispatch(ctx, cp.TypeSSDPStart, nil); err == nil {
		t.Fatalf("expected error without a transport")
	}
}

func TestDevicesListsEveryState(t *testing.T) {
	f := newFixture(t)
	f.manager.HandleAlive(discovery.Announcement{USN: "uuid:bad::urn:schemas-upnp-org:device:MediaServer:1", Location: "http://10.0.0.9/missing.xml"})
	f.manager.Wait()
	out, err := f.session.Dispatch(context.Background(), cp.TypeDevices, nil)
	if err != nil {
		t.Fatalf("devices: %v", err)
	}
	entries := out.(cp.DeviceEntriesReply).Entries
	if len(entries) != 3 || entries[2].State != "failed" || entries[2].Error == "" || entries[0].Kind != "server" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}
