package core

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mikey-austin/mucp/pkg/cp"
)

type stubClock struct{}

func (stubClock) NowUnix() int64 { return 100 }

type stubIDGen struct{}

func (stubIDGen) NewID() string { return "id-1" }

type stubBroker struct {
	presence   []cp.Presence
	replies    map[string]cp.ReplyEnvelope
	lastNode   string
	cmds       []cp.CommandEnvelope
	replyTopic string
}

func (s *stubBroker) ReplyTopic() string { return s.replyTopic }

func (s *stubBroker) PublishCommand(ctx context.Context, nodeID string, cmd cp.CommandEnvelope) (cp.ReplyEnvelope, error) {
	s.lastNode = nodeID
	s.cmds = append(s.cmds, cmd)
	if reply, ok := s.replies[cmd.Type]; ok {
		return reply, nil
	}
	return cp.ReplyEnvelope{ID: cmd.ID, Type: "ack", OK: true, TS: 101}, nil
}

func (s *stubBroker) ListPresence(ctx context.Context) ([]cp.Presence, error) {
	return s.presence, nil
}

func (s *stubBroker) WatchEvents(ctx context.Context, nodeID string) (<-chan cp.Event, <-chan error) {
	events := make(chan cp.Event, 1)
	errs := make(chan error)
	s.lastNode = nodeID
	events <- cp.Event{Type: cp.EventDevicesChanged}
	close(events)
	close(errs)
	return events, errs
}

func (s *stubBroker) last(t *testing.T) cp.CommandEnvelope {
	t.Helper()
	if len(s.cmds) == 0 {
		t.Fatalf("no command published")
	}
	return s.cmds[len(s.cmds)-1]
}

func ackWith(t *testing.T, body any) cp.ReplyEnvelope {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return cp.ReplyEnvelope{Type: "ack", OK: true, Body: payload}
}

var controlPoint = cp.Presence{NodeID: "controlpoint", Kind: KindControlPoint, Name: "UPnP Control Point"}

func newService(broker *stubBroker) Service {
	cfg := Config{Identity: "tester"}
	return Service{
		Broker:   broker,
		Resolver: Resolver{Presence: broker, Config: cfg},
		Clock:    stubClock{},
		IDGen:    stubIDGen{},
		Config:   cfg,
	}
}

func TestCommandsAreDecorated(t *testing.T) {
	broker := &stubBroker{presence: []cp.Presence{controlPoint}, replyTopic: "mucp/v1/reply/tester"}
	svc := newService(broker)

	if err := svc.Pause(context.Background(), ""); err != nil {
		t.Fatalf("pause: %v", err)
	}
	cmd := broker.last(t)
	if cmd.ID != "id-1" || cmd.TS != 100 || cmd.From != "tester" || cmd.ReplyTo != "mucp/v1/reply/tester" {
		t.Fatalf("unexpected envelope %+v", cmd)
	}
	if cmd.Type != cp.TypePause || broker.lastNode != "controlpoint" {
		t.Fatalf("unexpected command %s to %s", cmd.Type, broker.lastNode)
	}
	if err := cp.ValidateCommandEnvelope(cmd); err != nil {
		t.Fatalf("invalid envelope: %v", err)
	}
}

func TestDiscoveryLifecycleCommands(t *testing.T) {
	broker := &stubBroker{presence: []cp.Presence{controlPoint}}
	svc := newService(broker)
	ctx := context.Background()

	if err := svc.StartDiscovery(ctx, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := svc.Discover(ctx, ""); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if err := svc.StopDiscovery(ctx, ""); err != nil {
		t.Fatalf("stop: %v", err)
	}
	want := []string{cp.TypeSSDPStart, cp.TypeSSDPSearch, cp.TypeSSDPStop}
	if len(broker.cmds) != len(want) {
		t.Fatalf("expected %d commands, got %d", len(want), len(broker.cmds))
	}
	for i, typ := range want {
		if broker.cmds[i].Type != typ {
			t.Fatalf("command %d: got %s want %s", i, broker.cmds[i].Type, typ)
		}
	}
}

func TestReplyErrorMapsExitCode(t *testing.T) {
	broker := &stubBroker{
		presence: []cp.Presence{controlPoint},
		replies: map[string]cp.ReplyEnvelope{
			cp.TypeStop: {Type: "error", Err: &cp.ReplyError{Code: cp.CodeNoSelection, Message: "no renderer selected"}},
		},
	}
	err := newService(broker).Stop(context.Background(), "")
	if ExitCode(err) != ExitNoSelection || err.Error() != "no renderer selected" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestBrowseDecodesReply(t *testing.T) {
	broker := &stubBroker{
		presence: []cp.Presence{controlPoint},
		replies: map[string]cp.ReplyEnvelope{
			cp.TypeBrowse: ackWith(t, cp.BrowseReply{Entries: []cp.Entry{{Kind: "container", ID: "1", Title: "Music"}}, NumberReturned: 1, TotalMatches: 4}),
		},
	}
	res, err := newService(broker).Browse(context.Background(), "", "0", 0, 1)
	if err != nil {
		t.Fatalf("browse: %v", err)
	}
	if res.Page.TotalMatches != 4 || res.Page.Entries[0].Title != "Music" {
		t.Fatalf("unexpected page %+v", res.Page)
	}
	var body cp.BrowseBody
	_ = json.Unmarshal(broker.last(t).Body, &body)
	if body.ID != "0" || body.Count != 1 {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestSeekForms(t *testing.T) {
	broker := &stubBroker{
		presence: []cp.Presence{controlPoint},
		replies: map[string]cp.ReplyEnvelope{
			cp.TypePositionInfo: ackWith(t, cp.PositionInfoReply{RelTime: "0:01:00"}),
		},
	}
	svc := newService(broker)

	cases := []struct {
		arg  string
		want cp.SeekBody
	}{
		{"0:02:30", cp.SeekBody{At: "0:02:30"}},
		{"2:30", cp.SeekBody{At: "0:02:30"}},
		{"75:05", cp.SeekBody{At: "1:15:05"}},
		{"90", cp.SeekBody{PositionMS: 90000}},
		{"+30s", cp.SeekBody{PositionMS: 90000}},
		{"-2m", cp.SeekBody{PositionMS: 0}},
		{"+15", cp.SeekBody{PositionMS: 75000}},
	}
	for _, tc := range cases {
		if err := svc.Seek(context.Background(), "", tc.arg); err != nil {
			t.Fatalf("seek %s: %v", tc.arg, err)
		}
		cmd := broker.last(t)
		if cmd.Type != cp.TypeSeek {
			t.Fatalf("seek %s: last command %s", tc.arg, cmd.Type)
		}
		var got cp.SeekBody
		_ = json.Unmarshal(cmd.Body, &got)
		if got != tc.want {
			t.Fatalf("seek %s: got %+v want %+v", tc.arg, got, tc.want)
		}
	}

	if err := svc.Seek(context.Background(), "", "soon"); ExitCode(err) != ExitUsage {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestSetVolumeRelativeClamps(t *testing.T) {
	broker := &stubBroker{
		presence: []cp.Presence{controlPoint},
		replies: map[string]cp.ReplyEnvelope{
			cp.TypeGetVolume: ackWith(t, cp.VolumeReply{Volume: 95}),
		},
	}
	svc := newService(broker)

	res, err := svc.SetVolume(context.Background(), "", "+10")
	if err != nil {
		t.Fatalf("set volume: %v", err)
	}
	var body cp.SetVolumeBody
	_ = json.Unmarshal(broker.last(t).Body, &body)
	if res.Volume != 100 || body.DesiredVolume != 100 {
		t.Fatalf("expected clamp to 100, got %d %d", res.Volume, body.DesiredVolume)
	}

	if _, err := svc.SetVolume(context.Background(), "", "150"); ExitCode(err) != ExitUsage {
		t.Fatalf("expected usage error, got %v", err)
	}
	if _, err := svc.SetVolume(context.Background(), "", "loud"); ExitCode(err) != ExitUsage {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestVolumeDBCombinesRange(t *testing.T) {
	broker := &stubBroker{
		presence: []cp.Presence{controlPoint},
		replies: map[string]cp.ReplyEnvelope{
			cp.TypeVolumeDB:      ackWith(t, cp.VolumeDBReply{VolumeDB: -2560}),
			cp.TypeVolumeDBRange: ackWith(t, cp.VolumeDBRangeReply{MinValue: -25600, MaxValue: 0}),
		},
	}
	res, err := newService(broker).VolumeDB(context.Background(), "")
	if err != nil {
		t.Fatalf("volume db: %v", err)
	}
	if res.VolumeDB != -2560 || res.Range.MinValue != -25600 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestPlayAndSearchValidateLocally(t *testing.T) {
	broker := &stubBroker{presence: []cp.Presence{controlPoint}}
	svc := newService(broker)

	if err := svc.Play(context.Background(), "", "", ""); ExitCode(err) != ExitUsage {
		t.Fatalf("expected usage error, got %v", err)
	}
	if _, err := svc.Search(context.Background(), "", cp.SearchBody{ID: "0"}); ExitCode(err) != ExitUsage {
		t.Fatalf("expected usage error, got %v", err)
	}
	if _, err := svc.SelectServer(context.Background(), "", " "); ExitCode(err) != ExitUsage {
		t.Fatalf("expected usage error, got %v", err)
	}
	if len(broker.cmds) != 0 {
		t.Fatalf("nothing should be published")
	}
}

func TestWatchResolvesNode(t *testing.T) {
	broker := &stubBroker{presence: []cp.Presence{controlPoint}}
	events, _, err := newService(broker).Watch(context.Background(), "")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	evt := <-events
	if evt.Type != cp.EventDevicesChanged || broker.lastNode != "controlpoint" {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestParseRelTime(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"0:00:00", 0, true},
		{"1:02:03", time.Hour + 2*time.Minute + 3*time.Second, true},
		{"0:00:01.500", 1500 * time.Millisecond, true},
		{"NOT_IMPLEMENTED", 0, false},
		{"01:02", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseRelTime(tc.in)
		if (err == nil) != tc.ok || got != tc.want {
			t.Fatalf("%s: got %v %v", tc.in, got, err)
		}
	}
}
