package output

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/mikey-austin/mucp/internal/core"
	"github.com/mikey-austin/mucp/pkg/cp"
)

// HumanPrinter prints human-readable output.
type HumanPrinter struct {
	Writer io.Writer
}

// Print renders human output.
func (p HumanPrinter) Print(v any) error {
	w := p.Writer
	if w == nil {
		w = os.Stdout
	}
	switch data := v.(type) {
	case []cp.Presence:
		return printNodes(w, data)
	case core.EntriesResult:
		return printEntries(w, data)
	case core.DeviceListResult:
		return printDevices(w, data)
	case core.SelectionResult:
		return printSelection(w, data)
	case core.BrowseResult:
		return printBrowse(w, data)
	case core.CapsResult:
		return printCaps(w, data)
	case core.PositionResult:
		return printPosition(w, data)
	case core.TransportResult:
		_, err := fmt.Fprintf(w, "%s (%s) speed %s\n", data.Transport.CurrentTransportState, data.Transport.CurrentTransportStatus, data.Transport.CurrentSpeed)
		return err
	case core.VolumeResult:
		_, err := fmt.Fprintf(w, "vol %d%%\n", data.Volume)
		return err
	case core.VolumeDBResult:
		_, err := fmt.Fprintf(w, "%s dB (range %s to %s dB)\n", formatDB(data.VolumeDB), formatDB(data.Range.MinValue), formatDB(data.Range.MaxValue))
		return err
	case core.EventResult:
		return printEvent(w, data.Event)
	default:
		_, err := fmt.Fprintln(w, "ok")
		return err
	}
}

func renderTable(w io.Writer, data pterm.TableData) error {
	out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, out)
	return err
}

func printNodes(w io.Writer, nodes []cp.Presence) error {
	data := pterm.TableData{{"NAME", "NODE_ID"}}
	for _, node := range nodes {
		data = append(data, []string{node.Name, node.NodeID})
	}
	return renderTable(w, data)
}

func printEntries(w io.Writer, result core.EntriesResult) error {
	data := pterm.TableData{{"STATE", "KIND", "NAME", "USN", "LOCATION"}}
	for _, e := range result.Entries {
		name := e.Name
		if e.Error != "" {
			name = "error: " + e.Error
		}
		data = append(data, []string{e.State, e.Kind, name, e.USN, e.Location})
	}
	return renderTable(w, data)
}

func printDevices(w io.Writer, result core.DeviceListResult) error {
	if len(result.Devices) == 0 {
		_, err := fmt.Fprintf(w, "no %ss found\n", result.Role)
		return err
	}
	data := pterm.TableData{{"NAME", "USN"}}
	for _, d := range result.Devices {
		data = append(data, []string{d.Name, d.USN})
	}
	return renderTable(w, data)
}

func printSelection(w io.Writer, result core.SelectionResult) error {
	describe := func(d *cp.DeviceSummary) string {
		if d == nil {
			return "(none)"
		}
		return fmt.Sprintf("%s (%s)", d.Name, d.USN)
	}
	_, err := fmt.Fprintf(w, "server:   %s\nrenderer: %s\n", describe(result.Selection.Server), describe(result.Selection.Renderer))
	return err
}

func printBrowse(w io.Writer, result core.BrowseResult) error {
	data := pterm.TableData{{"KIND", "TITLE", "CLASS", "ID"}}
	for _, e := range result.Page.Entries {
		data = append(data, []string{e.Kind, e.Title, shortClass(e.Class), e.ID})
	}
	if err := renderTable(w, data); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d of %d\n", result.Page.NumberReturned, result.Page.TotalMatches)
	return err
}

func printCaps(w io.Writer, result core.CapsResult) error {
	if !result.Caps.Present {
		_, err := fmt.Fprintln(w, "search not supported")
		return err
	}
	_, err := fmt.Fprintln(w, strings.Join(result.Caps.Fields, "\n"))
	return err
}

func printPosition(w io.Writer, result core.PositionResult) error {
	pos := result.Position
	line := fmt.Sprintf("track %s  %s / %s", pos.Track, pos.RelTime, pos.TrackDuration)
	if pos.TrackURI != "" {
		line += "  " + pos.TrackURI
	}
	_, err := fmt.Fprintln(w, line)
	return err
}

func printEvent(w io.Writer, evt cp.Event) error {
	ts := time.Unix(evt.TS, 0).Format(time.TimeOnly)
	line := fmt.Sprintf("%s %s", ts, evt.Type)
	if evt.Role != "" {
		line += fmt.Sprintf(" %s cleared (%s)", evt.Role, evt.USN)
	}
	_, err := fmt.Fprintln(w, line)
	return err
}

func shortClass(class string) string {
	if idx := strings.LastIndex(class, "."); idx >= 0 {
		return class[idx+1:]
	}
	return class
}

// formatDB renders a 1/256 dB value.
func formatDB(v int) string {
	return strconv.FormatFloat(float64(v)/256, 'f', 1, 64)
}
