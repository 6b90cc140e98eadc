package quirks

import (
	"context"
	"math"

	"github.com/mikey-austin/mucp/internal/upnp/device"
)

// ScaleVolume maps a renderer's 0..max volume range onto 0..100.
func ScaleVolume(max int) Patch {
	return func(d device.Device) device.Device {
		renderer, ok := d.(*device.RendererDevice)
		if !ok || max <= 0 {
			return d
		}
		return renderer.Wrap(func(inner device.MediaRenderer) device.MediaRenderer {
			return &volumeScaler{MediaRenderer: inner, max: max}
		})
	}
}

type volumeScaler struct {
	device.MediaRenderer
	max int
}

func (v *volumeScaler) GetVolume(ctx context.Context) (int, error) {
	raw, err := v.MediaRenderer.GetVolume(ctx)
	if err != nil {
		return 0, err
	}
	return int(math.Round(100 * float64(raw) / float64(v.max))), nil
}

func (v *volumeScaler) SetVolume(ctx context.Context, volume int) error {
	return v.MediaRenderer.SetVolume(ctx, int(math.Round(float64(v.max)*float64(volume)/100)))
}
