package device

import (
	"go.uber.org/zap"
)

// Patcher applies device specific fixes after construction.
type Patcher interface {
	Patch(d Device) Device
}

// Factory builds typed devices from description documents.
type Factory struct {
	Caller  Caller
	Patcher Patcher
	Log     *zap.Logger
}

// CreateFromXML parses a description fetched from location. It returns a nil
// Device and nil error when the document is not a media server or renderer.
func (f Factory) CreateFromXML(data []byte, location string) (Device, error) {
	desc, err := ParseDescription(data)
	if err != nil {
		return nil, err
	}

	var kind Kind
	switch {
	case desc.DeviceType == "":
		return nil, nil
	case serverTypePattern.MatchString(desc.DeviceType):
		kind = KindServer
	case rendererTypePattern.MatchString(desc.DeviceType):
		kind = KindRenderer
	default:
		return nil, nil
	}

	info, err := NewInfo(location, desc)
	if err != nil {
		return nil, err
	}

	var dev Device
	switch kind {
	case KindServer:
		dev = NewServer(info, f.Caller)
	case KindRenderer:
		dev = NewRenderer(info, f.Caller)
	}
	if f.Patcher != nil {
		dev = f.Patcher.Patch(dev)
	}
	if f.Log != nil {
		f.Log.Debug("device created",
			zap.String("kind", kind.String()),
			zap.String("name", info.Name()),
			zap.String("location", location),
			zap.Int("services", len(desc.Services)),
		)
	}
	return dev, nil
}
