package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/mikey-austin/mucp/internal/core"
)

// JSONPrinter prints JSON, one document per call.
type JSONPrinter struct {
	Writer io.Writer
}

// Print renders JSON output. Result wrappers are unwrapped to their wire
// bodies.
func (p JSONPrinter) Print(v any) error {
	w := p.Writer
	if w == nil {
		w = os.Stdout
	}
	payload, err := json.MarshalIndent(unwrap(v), "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(payload))
	return err
}

func unwrap(v any) any {
	switch data := v.(type) {
	case core.EntriesResult:
		return data.Entries
	case core.DeviceListResult:
		return data.Devices
	case core.SelectionResult:
		return data.Selection
	case core.BrowseResult:
		return data.Page
	case core.CapsResult:
		return data.Caps
	case core.PositionResult:
		return data.Position
	case core.TransportResult:
		return data.Transport
	case core.EventResult:
		return data.Event
	case core.VolumeResult:
		return map[string]int{"volume": data.Volume}
	case core.VolumeDBResult:
		return map[string]any{"volumeDb": data.VolumeDB, "range": data.Range}
	default:
		return v
	}
}
