package device

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mikey-austin/mucp/internal/upnp/soap"
	"github.com/mikey-austin/mucp/internal/upnp/xmltree"
)

var (
	avTransportURN      = soap.ServiceURN("AVTransport")
	renderingControlURN = soap.ServiceURN("RenderingControl")
)

type avRenderer struct {
	caller Caller
	avtURL string
	avtErr error
	rcURL  string
	rcErr  error
}

func (r *avRenderer) avt(ctx context.Context, action string, args ...soap.Arg) (*xmltree.Node, error) {
	if r.avtErr != nil {
		return nil, r.avtErr
	}
	args = append([]soap.Arg{{Name: "InstanceID", Value: "0"}}, args...)
	return r.caller.Call(ctx, r.avtURL, avTransportURN, action, args)
}

func (r *avRenderer) rc(ctx context.Context, action string, args ...soap.Arg) (*xmltree.Node, error) {
	if r.rcErr != nil {
		return nil, r.rcErr
	}
	args = append([]soap.Arg{{Name: "InstanceID", Value: "0"}, {Name: "Channel", Value: "Master"}}, args...)
	return r.caller.Call(ctx, r.rcURL, renderingControlURN, action, args)
}

func (r *avRenderer) SetAVTransportURI(ctx context.Context, uri string, metadata string) error {
	_, err := r.avt(ctx, "SetAVTransportURI",
		soap.Arg{Name: "CurrentURI", Value: uri},
		soap.Arg{Name: "CurrentURIMetaData", Value: metadata},
	)
	return err
}

func (r *avRenderer) Play(ctx context.Context, speed string) error {
	if speed == "" {
		speed = "1"
	}
	_, err := r.avt(ctx, "Play", soap.Arg{Name: "Speed", Value: speed})
	return err
}

func (r *avRenderer) Pause(ctx context.Context) error {
	_, err := r.avt(ctx, "Pause")
	return err
}

func (r *avRenderer) Stop(ctx context.Context) error {
	_, err := r.avt(ctx, "Stop")
	return err
}

func (r *avRenderer) Seek(ctx context.Context, target string) error {
	_, err := r.avt(ctx, "Seek",
		soap.Arg{Name: "Unit", Value: "REL_TIME"},
		soap.Arg{Name: "Target", Value: target},
	)
	return err
}

func (r *avRenderer) GetPositionInfo(ctx context.Context) (PositionInfo, error) {
	resp, err := r.avt(ctx, "GetPositionInfo")
	if err != nil {
		return PositionInfo{}, err
	}
	info := PositionInfo{}
	info.Track, _ = resp.ChildText("Track")
	info.TrackDuration, _ = resp.ChildText("TrackDuration")
	info.TrackMetaData, _ = resp.ChildText("TrackMetaData")
	info.TrackURI, _ = resp.ChildText("TrackURI")
	info.RelTime, _ = resp.ChildText("RelTime")
	info.AbsTime, _ = resp.ChildText("AbsTime")
	info.RelCount, _ = resp.ChildText("RelCount")
	info.AbsCount, _ = resp.ChildText("AbsCount")
	return info, nil
}

func (r *avRenderer) GetTransportInfo(ctx context.Context) (TransportInfo, error) {
	resp, err := r.avt(ctx, "GetTransportInfo")
	if err != nil {
		return TransportInfo{}, err
	}
	info := TransportInfo{}
	info.CurrentTransportState, _ = resp.ChildText("CurrentTransportState")
	info.CurrentTransportStatus, _ = resp.ChildText("CurrentTransportStatus")
	info.CurrentSpeed, _ = resp.ChildText("CurrentSpeed")
	return info, nil
}

func (r *avRenderer) GetVolumeDBRange(ctx context.Context) (VolumeDBRange, error) {
	resp, err := r.rc(ctx, "GetVolumeDBRange")
	if err != nil {
		return VolumeDBRange{}, err
	}
	minValue, err := intField(resp, "GetVolumeDBRange", "MinValue")
	if err != nil {
		return VolumeDBRange{}, err
	}
	maxValue, err := intField(resp, "GetVolumeDBRange", "MaxValue")
	if err != nil {
		return VolumeDBRange{}, err
	}
	return VolumeDBRange{MinValue: minValue, MaxValue: maxValue}, nil
}

func (r *avRenderer) GetVolumeDB(ctx context.Context) (int, error) {
	resp, err := r.rc(ctx, "GetVolumeDB")
	if err != nil {
		return 0, err
	}
	return intField(resp, "GetVolumeDB", "CurrentVolumeDB", "CurrentVolume")
}

func (r *avRenderer) GetVolume(ctx context.Context) (int, error) {
	resp, err := r.rc(ctx, "GetVolume")
	if err != nil {
		return 0, err
	}
	return intField(resp, "GetVolume", "CurrentVolume", "Volume")
}

func (r *avRenderer) SetVolume(ctx context.Context, volume int) error {
	_, err := r.rc(ctx, "SetVolume", soap.Arg{Name: "DesiredVolume", Value: strconv.Itoa(volume)})
	return err
}

func (r *avRenderer) SetMute(ctx context.Context, mute bool) error {
	on := "0"
	if mute {
		on = "1"
	}
	_, err := r.rc(ctx, "SetMute", soap.Arg{Name: "DesiredMute", Value: on})
	return err
}

// intField reads the first present of names as an integer.
func intField(resp *xmltree.Node, action string, names ...string) (int, error) {
	for _, name := range names {
		v, ok := resp.ChildText(name)
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n, nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, &soap.ProtocolMismatchError{Action: action, Err: fmt.Errorf("invalid %s %q", name, v)}
		}
		return int(math.Round(f)), nil
	}
	return 0, &soap.ProtocolMismatchError{Action: action, Err: fmt.Errorf("response has none of %s", strings.Join(names, ", "))}
}
