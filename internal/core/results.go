package core

import "github.com/mikey-austin/mucp/pkg/cp"

// EntriesResult holds the discovery table.
type EntriesResult struct {
	Entries []cp.DeviceEntry
}

// DeviceListResult holds resolved servers or renderers.
type DeviceListResult struct {
	Role    string
	Devices []cp.DeviceSummary
}

// SelectionResult holds the current selection.
type SelectionResult struct {
	Selection cp.SelectionReply
}

// BrowseResult holds a page of content entries.
type BrowseResult struct {
	Page cp.BrowseReply
}

// CapsResult holds server search capabilities.
type CapsResult struct {
	Caps cp.SearchCapabilitiesReply
}

// PositionResult holds renderer position info.
type PositionResult struct {
	Position cp.PositionInfoReply
}

// TransportResult holds renderer transport info.
type TransportResult struct {
	Transport cp.TransportInfoReply
}

// VolumeResult holds the renderer volume in percent.
type VolumeResult struct {
	Volume int
}

// VolumeDBResult holds the renderer volume in dB with its range.
type VolumeDBResult struct {
	VolumeDB int
	Range    cp.VolumeDBRangeReply
}

// EventResult wraps one streamed event.
type EventResult struct {
	Event cp.Event
}
