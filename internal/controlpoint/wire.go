package controlpoint

import (
	"github.com/mikey-austin/mucp/internal/discovery"
	"github.com/mikey-austin/mucp/internal/upnp/device"
	"github.com/mikey-austin/mucp/pkg/cp"
)

func summariesToWire(in []discovery.Summary) cp.DeviceListReply {
	out := cp.DeviceListReply{Devices: make([]cp.DeviceSummary, 0, len(in))}
	for _, s := range in {
		out.Devices = append(out.Devices, cp.DeviceSummary{USN: s.USN, Name: s.Name})
	}
	return out
}

func entriesToWire(in []discovery.Entry) cp.DeviceEntriesReply {
	out := cp.DeviceEntriesReply{Entries: make([]cp.DeviceEntry, 0, len(in))}
	for _, e := range in {
		row := cp.DeviceEntry{USN: e.USN, State: string(e.State), Location: e.Location}
		if e.Device != nil {
			row.Kind = e.Device.Kind().String()
			row.Name = e.Device.Info().Name()
		}
		if e.Err != nil {
			row.Error = e.Err.Error()
		}
		out.Entries = append(out.Entries, row)
	}
	return out
}

func selectionToWire(sel Selection) cp.SelectionReply {
	var out cp.SelectionReply
	if sel.Server != nil {
		out.Server = &cp.DeviceSummary{USN: sel.Server.USN, Name: sel.Server.Name}
	}
	if sel.Renderer != nil {
		out.Renderer = &cp.DeviceSummary{USN: sel.Renderer.USN, Name: sel.Renderer.Name}
	}
	return out
}

func browseToWire(in device.BrowseResult) cp.BrowseReply {
	out := cp.BrowseReply{
		Entries:        make([]cp.Entry, 0, len(in.Entries)),
		NumberReturned: in.NumberReturned,
		TotalMatches:   in.TotalMatches,
		UpdateID:       in.UpdateID,
	}
	for _, e := range in.Entries {
		entry := cp.Entry{
			Kind:     e.Kind,
			ID:       e.ID,
			ParentID: e.ParentID,
			Title:    e.Title,
			Class:    e.Class,
			Object:   e.Object,
		}
		for _, r := range e.Resources {
			entry.Resources = append(entry.Resources, cp.Resource{URI: r.URI, ProtocolInfo: r.ProtocolInfo, Attrs: r.Attrs})
		}
		out.Entries = append(out.Entries, entry)
	}
	return out
}

func capsToWire(in device.SearchCapabilities) cp.SearchCapabilitiesReply {
	fields := in.Fields()
	if fields == nil {
		fields = []string{}
	}
	return cp.SearchCapabilitiesReply{Present: in.Present, Raw: in.Raw, Fields: fields}
}

func positionToWire(in device.PositionInfo) cp.PositionInfoReply {
	return cp.PositionInfoReply{
		Track:         in.Track,
		TrackDuration: in.TrackDuration,
		TrackMetaData: in.TrackMetaData,
		TrackURI:      in.TrackURI,
		RelTime:       in.RelTime,
		AbsTime:       in.AbsTime,
		RelCount:      in.RelCount,
		AbsCount:      in.AbsCount,
	}
}

func transportToWire(in device.TransportInfo) cp.TransportInfoReply {
	return cp.TransportInfoReply{
		CurrentTransportState:  in.CurrentTransportState,
		CurrentTransportStatus: in.CurrentTransportStatus,
		CurrentSpeed:           in.CurrentSpeed,
	}
}
