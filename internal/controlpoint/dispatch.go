package controlpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mikey-austin/mucp/pkg/cp"
)

// Dispatch runs one wire command against the session and returns its reply
// body. Unknown types fail with ErrInvalidArgument.
func (s *Session) Dispatch(ctx context.Context, cmdType string, body json.RawMessage) (any, error) {
	switch cmdType {
	case cp.TypeSSDPStart:
		if err := s.SSDPStart(); err != nil {
			return nil, err
		}
		return struct{}{}, nil
	case cp.TypeSSDPSearch:
		if err := s.SSDPSearch(ctx); err != nil {
			return nil, err
		}
		return struct{}{}, nil
	case cp.TypeSSDPStop:
		if err := s.SSDPStop(); err != nil {
			return nil, err
		}
		return struct{}{}, nil
	case cp.TypeDevices:
		return entriesToWire(s.Devices()), nil
	case cp.TypeServers:
		return summariesToWire(s.Servers()), nil
	case cp.TypeRenderers:
		return summariesToWire(s.Renderers()), nil
	case cp.TypeSelectServer, cp.TypeSelectRenderer:
		var req cp.SelectBody
		if err := decodeBody(body, &req); err != nil {
			return nil, err
		}
		if strings.TrimSpace(req.USN) == "" {
			return nil, fmt.Errorf("%w: usn is required", ErrInvalidArgument)
		}
		var err error
		if cmdType == cp.TypeSelectServer {
			err = s.SelectServer(req.USN)
		} else {
			err = s.SelectRenderer(req.USN)
		}
		if err != nil {
			return nil, err
		}
		return selectionToWire(s.Selection()), nil
	case cp.TypeSelection:
		return selectionToWire(s.Selection()), nil
	case cp.TypeBrowse:
		var req cp.BrowseBody
		if err := decodeBody(body, &req); err != nil {
			return nil, err
		}
		result, err := s.Browse(ctx, req.ID, req.Start, req.Count)
		if err != nil {
			return nil, err
		}
		return browseToWire(result), nil
	case cp.TypeSearch:
		var req cp.SearchBody
		if err := decodeBody(body, &req); err != nil {
			return nil, err
		}
		if req.Search == "" && req.Query == "" {
			return nil, fmt.Errorf("%w: search or query is required", ErrInvalidArgument)
		}
		search := s.Search
		criteria := req.Search
		if criteria == "" {
			search = s.SearchText
			criteria = req.Query
		}
		result, err := search(ctx, req.ID, req.Start, req.Count, criteria)
		if err != nil {
			return nil, err
		}
		return browseToWire(result), nil
	case cp.TypeSearchCapabilities:
		caps, err := s.GetSearchCapabilities(ctx)
		if err != nil {
			return nil, err
		}
		return capsToWire(caps), nil
	case cp.TypePlay:
		var req cp.PlayBody
		if err := decodeBody(body, &req); err != nil {
			return nil, err
		}
		if req.ID == "" && req.URI == "" {
			return nil, fmt.Errorf("%w: id or uri is required", ErrInvalidArgument)
		}
		return struct{}{}, s.Play(ctx, PlayRequest{ID: req.ID, URI: req.URI})
	case cp.TypeResume:
		return struct{}{}, s.Resume(ctx)
	case cp.TypePause:
		return struct{}{}, s.Pause(ctx)
	case cp.TypeStop:
		return struct{}{}, s.Stop(ctx)
	case cp.TypeSeek:
		var req cp.SeekBody
		if err := decodeBody(body, &req); err != nil {
			return nil, err
		}
		if req.At != "" {
			return struct{}{}, s.Seek(ctx, req.At)
		}
		if req.PositionMS < 0 {
			return nil, fmt.Errorf("%w: positionMs must not be negative", ErrInvalidArgument)
		}
		return struct{}{}, s.SeekTo(ctx, time.Duration(req.PositionMS)*time.Millisecond)
	case cp.TypePositionInfo:
		info, err := s.GetPositionInfo(ctx)
		if err != nil {
			return nil, err
		}
		return positionToWire(info), nil
	case cp.TypeTransportInfo:
		info, err := s.GetTransportInfo(ctx)
		if err != nil {
			return nil, err
		}
		return transportToWire(info), nil
	case cp.TypeVolumeDBRange:
		rng, err := s.GetVolumeDBRange(ctx)
		if err != nil {
			return nil, err
		}
		return cp.VolumeDBRangeReply{MinValue: rng.MinValue, MaxValue: rng.MaxValue}, nil
	case cp.TypeVolumeDB:
		db, err := s.GetVolumeDB(ctx)
		if err != nil {
			return nil, err
		}
		return cp.VolumeDBReply{VolumeDB: db}, nil
	case cp.TypeGetVolume:
		vol, err := s.GetVolume(ctx)
		if err != nil {
			return nil, err
		}
		return cp.VolumeReply{Volume: vol}, nil
	case cp.TypeSetVolume:
		var req cp.SetVolumeBody
		if err := decodeBody(body, &req); err != nil {
			return nil, err
		}
		return struct{}{}, s.SetVolume(ctx, req.DesiredVolume)
	case cp.TypeSetMute:
		var req cp.SetMuteBody
		if err := decodeBody(body, &req); err != nil {
			return nil, err
		}
		return struct{}{}, s.SetMute(ctx, req.Mute)
	default:
		return nil, fmt.Errorf("%w: unknown command type %q", ErrInvalidArgument, cmdType)
	}
}

func decodeBody(body json.RawMessage, out any) error {
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return nil
}
