package cp

// Command types.
const (
	TypeSSDPStart          = "cp.ssdpStart"
	TypeSSDPSearch         = "cp.ssdpSearch"
	TypeSSDPStop           = "cp.ssdpStop"
	TypeDevices            = "cp.devices"
	TypeServers            = "cp.servers"
	TypeRenderers          = "cp.renderers"
	TypeSelectServer       = "cp.selectServer"
	TypeSelectRenderer     = "cp.selectRenderer"
	TypeSelection          = "cp.selection"
	TypeBrowse             = "cp.browse"
	TypeSearch             = "cp.search"
	TypeSearchCapabilities = "cp.searchCapabilities"
	TypePlay               = "cp.play"
	TypeResume             = "cp.resume"
	TypePause              = "cp.pause"
	TypeStop               = "cp.stop"
	TypeSeek               = "cp.seek"
	TypePositionInfo       = "cp.positionInfo"
	TypeTransportInfo      = "cp.transportInfo"
	TypeVolumeDBRange      = "cp.volumeDBRange"
	TypeVolumeDB           = "cp.volumeDB"
	TypeGetVolume          = "cp.getVolume"
	TypeSetVolume          = "cp.setVolume"
	TypeSetMute            = "cp.setMute"
)

// CommandTypes lists every command a node answers.
var CommandTypes = []string{
	TypeSSDPStart, TypeSSDPSearch, TypeSSDPStop,
	TypeDevices, TypeServers, TypeRenderers,
	TypeSelectServer, TypeSelectRenderer, TypeSelection,
	TypeBrowse, TypeSearch, TypeSearchCapabilities,
	TypePlay, TypeResume, TypePause, TypeStop, TypeSeek,
	TypePositionInfo, TypeTransportInfo,
	TypeVolumeDBRange, TypeVolumeDB, TypeGetVolume, TypeSetVolume, TypeSetMute,
}

// DeviceSummary is the lightweight listing of a resolved device.
type DeviceSummary struct {
	USN  string `json:"usn"`
	Name string `json:"name"`
}

// DeviceListReply is the reply body for cp.servers and cp.renderers.
type DeviceListReply struct {
	Devices []DeviceSummary `json:"devices"`
}

// DeviceEntry describes one row of the discovery table.
type DeviceEntry struct {
	USN      string `json:"usn"`
	State    string `json:"state"`
	Kind     string `json:"kind,omitempty"`
	Name     string `json:"name,omitempty"`
	Location string `json:"location"`
	Error    string `json:"error,omitempty"`
}

// DeviceEntriesReply is the reply body for cp.devices.
type DeviceEntriesReply struct {
	Entries []DeviceEntry `json:"entries"`
}

// SelectBody is the payload for cp.selectServer and cp.selectRenderer.
type SelectBody struct {
	USN string `json:"usn"`
}

// SelectionReply is the reply body for cp.selection.
type SelectionReply struct {
	Server   *DeviceSummary `json:"server,omitempty"`
	Renderer *DeviceSummary `json:"renderer,omitempty"`
}

// BrowseBody is the payload for cp.browse.
type BrowseBody struct {
	ID    string `json:"id"`
	Start int    `json:"start"`
	Count int    `json:"count"`
}

// SearchBody is the payload for cp.search. Search is a raw criteria
// expression; Query is a plain term matched against every searchable field
// and is used when Search is empty.
type SearchBody struct {
	ID     string `json:"id"`
	Start  int    `json:"start"`
	Count  int    `json:"count"`
	Search string `json:"search,omitempty"`
	Query  string `json:"query,omitempty"`
}

// Resource is one encoding of a content entry.
type Resource struct {
	URI          string            `json:"uri"`
	ProtocolInfo string            `json:"protocolInfo,omitempty"`
	Attrs        map[string]string `json:"attrs,omitempty"`
}

// Entry is a container or item returned by cp.browse and cp.search.
type Entry struct {
	Kind      string         `json:"kind"`
	ID        string         `json:"id"`
	ParentID  string         `json:"parentId,omitempty"`
	Title     string         `json:"title,omitempty"`
	Class     string         `json:"class,omitempty"`
	Resources []Resource     `json:"resources,omitempty"`
	Object    map[string]any `json:"object,omitempty"`
}

// BrowseReply is the reply body for cp.browse and cp.search.
type BrowseReply struct {
	Entries        []Entry `json:"entries"`
	NumberReturned int     `json:"numberReturned"`
	TotalMatches   int     `json:"totalMatches"`
	UpdateID       string  `json:"updateId,omitempty"`
}

// SearchCapabilitiesReply is the reply body for cp.searchCapabilities.
type SearchCapabilitiesReply struct {
	Present bool     `json:"present"`
	Raw     string   `json:"raw"`
	Fields  []string `json:"fields"`
}

// PlayBody is the payload for cp.play. URI is played when metadata for ID
// cannot be fetched.
type PlayBody struct {
	ID  string `json:"id"`
	URI string `json:"uri,omitempty"`
}

// SeekBody is the payload for cp.seek. At is an HH:MM:SS target; PositionMS
// is used when At is empty.
type SeekBody struct {
	At         string `json:"at,omitempty"`
	PositionMS int64  `json:"positionMs,omitempty"`
}

// PositionInfoReply is the reply body for cp.positionInfo.
type PositionInfoReply struct {
	Track         string `json:"track"`
	TrackDuration string `json:"trackDuration"`
	TrackMetaData string `json:"trackMetaData,omitempty"`
	TrackURI      string `json:"trackUri,omitempty"`
	RelTime       string `json:"relTime"`
	AbsTime       string `json:"absTime,omitempty"`
	RelCount      string `json:"relCount,omitempty"`
	AbsCount      string `json:"absCount,omitempty"`
}

// TransportInfoReply is the reply body for cp.transportInfo.
type TransportInfoReply struct {
	CurrentTransportState  string `json:"currentTransportState"`
	CurrentTransportStatus string `json:"currentTransportStatus"`
	CurrentSpeed           string `json:"currentSpeed"`
}

// VolumeDBRangeReply is the reply body for cp.volumeDBRange.
type VolumeDBRangeReply struct {
	MinValue int `json:"minValue"`
	MaxValue int `json:"maxValue"`
}

// VolumeDBReply is the reply body for cp.volumeDB.
type VolumeDBReply struct {
	VolumeDB int `json:"volumeDb"`
}

// VolumeReply is the reply body for cp.getVolume.
type VolumeReply struct {
	Volume int `json:"volume"`
}

// SetVolumeBody is the payload for cp.setVolume.
type SetVolumeBody struct {
	DesiredVolume int `json:"desiredVolume"`
}

// SetMuteBody is the payload for cp.setMute.
type SetMuteBody struct {
	Mute bool `json:"mute"`
}
