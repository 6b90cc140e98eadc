package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mikey-austin/mucp/internal/ports"
	"github.com/mikey-austin/mucp/pkg/cp"
)

// Service orchestrates mucp CLI use cases. Every method addresses the control
// point named by node, or the configured default when node is empty.
type Service struct {
	Broker   ports.Broker
	Resolver Resolver
	Clock    ports.Clock
	IDGen    ports.IDGen
	Config   Config
}

// Nodes lists announced control points.
func (s Service) Nodes(ctx context.Context) ([]cp.Presence, error) {
	presence, err := s.Broker.ListPresence(ctx)
	if err != nil {
		return nil, WrapError(ExitRuntime, "list presence", err)
	}
	out := presence[:0]
	for _, p := range presence {
		if p.Kind == KindControlPoint {
			out = append(out, p)
		}
	}
	return out, nil
}

// Devices returns the discovery table.
func (s Service) Devices(ctx context.Context, node string) (EntriesResult, error) {
	var body cp.DeviceEntriesReply
	if err := s.call(ctx, node, cp.TypeDevices, nil, &body); err != nil {
		return EntriesResult{}, err
	}
	return EntriesResult{Entries: body.Entries}, nil
}

// Servers lists resolved media servers.
func (s Service) Servers(ctx context.Context, node string) (DeviceListResult, error) {
	return s.deviceList(ctx, node, cp.TypeServers, "server")
}

// Renderers lists resolved media renderers.
func (s Service) Renderers(ctx context.Context, node string) (DeviceListResult, error) {
	return s.deviceList(ctx, node, cp.TypeRenderers, "renderer")
}

func (s Service) deviceList(ctx context.Context, node, cmdType, role string) (DeviceListResult, error) {
	var body cp.DeviceListReply
	if err := s.call(ctx, node, cmdType, nil, &body); err != nil {
		return DeviceListResult{}, err
	}
	return DeviceListResult{Role: role, Devices: body.Devices}, nil
}

// Discover asks the control point to send an SSDP search.
func (s Service) Discover(ctx context.Context, node string) error {
	return s.call(ctx, node, cp.TypeSSDPSearch, nil, nil)
}

// StartDiscovery opens the control point's SSDP sockets.
func (s Service) StartDiscovery(ctx context.Context, node string) error {
	return s.call(ctx, node, cp.TypeSSDPStart, nil, nil)
}

// StopDiscovery closes the control point's SSDP sockets. Devices already
// resolved stay listed.
func (s Service) StopDiscovery(ctx context.Context, node string) error {
	return s.call(ctx, node, cp.TypeSSDPStop, nil, nil)
}

// SelectServer selects the media server used for content operations.
func (s Service) SelectServer(ctx context.Context, node, usn string) (SelectionResult, error) {
	return s.selectDevice(ctx, node, cp.TypeSelectServer, usn)
}

// SelectRenderer selects the renderer used for playback operations.
func (s Service) SelectRenderer(ctx context.Context, node, usn string) (SelectionResult, error) {
	return s.selectDevice(ctx, node, cp.TypeSelectRenderer, usn)
}

func (s Service) selectDevice(ctx context.Context, node, cmdType, usn string) (SelectionResult, error) {
	if strings.TrimSpace(usn) == "" {
		return SelectionResult{}, &CLIError{Code: ExitUsage, Msg: "usn required"}
	}
	var body cp.SelectionReply
	if err := s.call(ctx, node, cmdType, cp.SelectBody{USN: usn}, &body); err != nil {
		return SelectionResult{}, err
	}
	return SelectionResult{Selection: body}, nil
}

// Selection returns the current server and renderer.
func (s Service) Selection(ctx context.Context, node string) (SelectionResult, error) {
	var body cp.SelectionReply
	if err := s.call(ctx, node, cp.TypeSelection, nil, &body); err != nil {
		return SelectionResult{}, err
	}
	return SelectionResult{Selection: body}, nil
}

// Browse lists the direct children of a container.
func (s Service) Browse(ctx context.Context, node, id string, start, count int) (BrowseResult, error) {
	var body cp.BrowseReply
	if err := s.call(ctx, node, cp.TypeBrowse, cp.BrowseBody{ID: id, Start: start, Count: count}, &body); err != nil {
		return BrowseResult{}, err
	}
	return BrowseResult{Page: body}, nil
}

// Search runs a search below a container. A raw criteria expression takes
// precedence over a plain text query.
func (s Service) Search(ctx context.Context, node string, req cp.SearchBody) (BrowseResult, error) {
	if req.Search == "" && req.Query == "" {
		return BrowseResult{}, &CLIError{Code: ExitUsage, Msg: "search criteria or query required"}
	}
	var body cp.BrowseReply
	if err := s.call(ctx, node, cp.TypeSearch, req, &body); err != nil {
		return BrowseResult{}, err
	}
	return BrowseResult{Page: body}, nil
}

// SearchCapabilities returns the selected server's searchable fields.
func (s Service) SearchCapabilities(ctx context.Context, node string) (CapsResult, error) {
	var body cp.SearchCapabilitiesReply
	if err := s.call(ctx, node, cp.TypeSearchCapabilities, nil, &body); err != nil {
		return CapsResult{}, err
	}
	return CapsResult{Caps: body}, nil
}

// Play plays an object from the selected server, or uri directly.
func (s Service) Play(ctx context.Context, node, id, uri string) error {
	if id == "" && uri == "" {
		return &CLIError{Code: ExitUsage, Msg: "id or uri required"}
	}
	return s.call(ctx, node, cp.TypePlay, cp.PlayBody{ID: id, URI: uri}, nil)
}

// Resume resumes playback.
func (s Service) Resume(ctx context.Context, node string) error {
	return s.call(ctx, node, cp.TypeResume, nil, nil)
}

// Pause pauses playback.
func (s Service) Pause(ctx context.Context, node string) error {
	return s.call(ctx, node, cp.TypePause, nil, nil)
}

// Stop stops playback.
func (s Service) Stop(ctx context.Context, node string) error {
	return s.call(ctx, node, cp.TypeStop, nil, nil)
}

// Seek moves playback. arg is H:MM:SS, MM:SS, whole seconds, or a signed
// duration such as +30s or -1m relative to the current position.
func (s Service) Seek(ctx context.Context, node, arg string) error {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return &CLIError{Code: ExitUsage, Msg: "seek position required"}
	}
	target, err := s.Resolver.ResolveNode(ctx, node)
	if err != nil {
		return err
	}

	if arg[0] == '+' || arg[0] == '-' {
		offset, err := parseOffset(arg)
		if err != nil {
			return err
		}
		var pos cp.PositionInfoReply
		if err := s.callNode(ctx, target.NodeID, cp.TypePositionInfo, nil, &pos); err != nil {
			return err
		}
		current, err := ParseRelTime(pos.RelTime)
		if err != nil {
			return WrapError(ExitDevice, "renderer position", err)
		}
		next := max(current+offset, 0)
		return s.callNode(ctx, target.NodeID, cp.TypeSeek, cp.SeekBody{PositionMS: next.Milliseconds()}, nil)
	}

	if strings.Contains(arg, ":") {
		at, err := normalizeClock(arg)
		if err != nil {
			return err
		}
		return s.callNode(ctx, target.NodeID, cp.TypeSeek, cp.SeekBody{At: at}, nil)
	}

	secs, err := strconv.Atoi(arg)
	if err != nil || secs < 0 {
		return &CLIError{Code: ExitUsage, Msg: fmt.Sprintf("invalid seek position %q", arg)}
	}
	return s.callNode(ctx, target.NodeID, cp.TypeSeek, cp.SeekBody{PositionMS: int64(secs) * 1000}, nil)
}

// Position returns the renderer position.
func (s Service) Position(ctx context.Context, node string) (PositionResult, error) {
	var body cp.PositionInfoReply
	if err := s.call(ctx, node, cp.TypePositionInfo, nil, &body); err != nil {
		return PositionResult{}, err
	}
	return PositionResult{Position: body}, nil
}

// Transport returns the renderer transport state.
func (s Service) Transport(ctx context.Context, node string) (TransportResult, error) {
	var body cp.TransportInfoReply
	if err := s.call(ctx, node, cp.TypeTransportInfo, nil, &body); err != nil {
		return TransportResult{}, err
	}
	return TransportResult{Transport: body}, nil
}

// Volume returns the renderer volume.
func (s Service) Volume(ctx context.Context, node string) (VolumeResult, error) {
	var body cp.VolumeReply
	if err := s.call(ctx, node, cp.TypeGetVolume, nil, &body); err != nil {
		return VolumeResult{}, err
	}
	return VolumeResult{Volume: body.Volume}, nil
}

// SetVolume sets the volume. arg is 0..100 or a signed step such as +5.
// Relative results are clamped to 0..100.
func (s Service) SetVolume(ctx context.Context, node, arg string) (VolumeResult, error) {
	arg = strings.TrimSpace(arg)
	value, err := strconv.Atoi(arg)
	if err != nil {
		return VolumeResult{}, &CLIError{Code: ExitUsage, Msg: fmt.Sprintf("invalid volume %q", arg)}
	}
	target, err := s.Resolver.ResolveNode(ctx, node)
	if err != nil {
		return VolumeResult{}, err
	}

	if strings.HasPrefix(arg, "+") || strings.HasPrefix(arg, "-") {
		var current cp.VolumeReply
		if err := s.callNode(ctx, target.NodeID, cp.TypeGetVolume, nil, &current); err != nil {
			return VolumeResult{}, err
		}
		value = min(max(current.Volume+value, 0), 100)
	} else if value > 100 {
		return VolumeResult{}, &CLIError{Code: ExitUsage, Msg: "volume must be between 0 and 100"}
	}

	if err := s.callNode(ctx, target.NodeID, cp.TypeSetVolume, cp.SetVolumeBody{DesiredVolume: value}, nil); err != nil {
		return VolumeResult{}, err
	}
	return VolumeResult{Volume: value}, nil
}

// Mute sets the renderer mute state.
func (s Service) Mute(ctx context.Context, node string, mute bool) error {
	return s.call(ctx, node, cp.TypeSetMute, cp.SetMuteBody{Mute: mute}, nil)
}

// VolumeDB returns the renderer volume in dB with its supported range.
func (s Service) VolumeDB(ctx context.Context, node string) (VolumeDBResult, error) {
	target, err := s.Resolver.ResolveNode(ctx, node)
	if err != nil {
		return VolumeDBResult{}, err
	}
	var db cp.VolumeDBReply
	if err := s.callNode(ctx, target.NodeID, cp.TypeVolumeDB, nil, &db); err != nil {
		return VolumeDBResult{}, err
	}
	var rng cp.VolumeDBRangeReply
	if err := s.callNode(ctx, target.NodeID, cp.TypeVolumeDBRange, nil, &rng); err != nil {
		return VolumeDBResult{}, err
	}
	return VolumeDBResult{VolumeDB: db.VolumeDB, Range: rng}, nil
}

// Watch streams events from the control point until ctx is done.
func (s Service) Watch(ctx context.Context, node string) (<-chan cp.Event, <-chan error, error) {
	target, err := s.Resolver.ResolveNode(ctx, node)
	if err != nil {
		return nil, nil, err
	}
	events, errs := s.Broker.WatchEvents(ctx, target.NodeID)
	return events, errs, nil
}

func (s Service) call(ctx context.Context, node, cmdType string, body any, out any) error {
	target, err := s.Resolver.ResolveNode(ctx, node)
	if err != nil {
		return err
	}
	return s.callNode(ctx, target.NodeID, cmdType, body, out)
}

func (s Service) callNode(ctx context.Context, nodeID, cmdType string, body any, out any) error {
	cmd, err := cp.NewCommand(cmdType, body)
	if err != nil {
		return WrapError(ExitRuntime, "build command", err)
	}
	cmd = s.decorateCommand(cmd)

	reply, err := s.Broker.PublishCommand(ctx, nodeID, cmd)
	if err != nil {
		return WrapError(ExitRuntime, "publish command", err)
	}
	if reply.Err != nil {
		return ErrorForReplyCode(reply.Err.Code, reply.Err.Message)
	}
	if out == nil || len(reply.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(reply.Body, out); err != nil {
		return WrapError(ExitRuntime, "decode reply", err)
	}
	return nil
}

func (s Service) decorateCommand(cmd cp.CommandEnvelope) cp.CommandEnvelope {
	cmd.ID = s.IDGen.NewID()
	cmd.TS = s.Clock.NowUnix()
	cmd.From = s.Config.Identity
	cmd.ReplyTo = s.Broker.ReplyTopic()
	return cmd
}

// normalizeClock expands MM:SS to H:MM:SS.
func normalizeClock(arg string) (string, error) {
	parts := strings.Split(arg, ":")
	if len(parts) != 2 {
		return arg, nil
	}
	minutes, err := strconv.Atoi(parts[0])
	if err != nil || minutes < 0 {
		return "", &CLIError{Code: ExitUsage, Msg: fmt.Sprintf("invalid seek position %q", arg)}
	}
	return fmt.Sprintf("%d:%02d:%s", minutes/60, minutes%60, parts[1]), nil
}

func parseOffset(arg string) (time.Duration, error) {
	if d, err := time.ParseDuration(arg); err == nil {
		return d, nil
	}
	secs, err := strconv.Atoi(arg)
	if err != nil {
		return 0, &CLIError{Code: ExitUsage, Msg: fmt.Sprintf("invalid seek offset %q", arg)}
	}
	return time.Duration(secs) * time.Second, nil
}

// ParseRelTime parses an H:MM:SS[.fff] renderer time.
func ParseRelTime(value string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid time %q", value)
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid time %q", value)
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid time %q", value)
	}
	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q", value)
	}
	total := time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute
	return total + time.Duration(seconds*float64(time.Second)), nil
}
