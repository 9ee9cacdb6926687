package cli

import (
	"fmt"
	"io"

	"github.com/docker/go-units"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"periph.io/x/conn/v3/physic"

	"go.viam.com/emmc/card"
	"go.viam.com/emmc/register"
)

func frequency(hz uint32) string {
	return (physic.Frequency(hz) * physic.Hertz).String()
}

// parseFrequency accepts values such as "52MHz" or "400kHz".
func parseFrequency(s string) (uint32, error) {
	var f physic.Frequency
	if err := f.Set(s); err != nil {
		return 0, err
	}
	return uint32(f / physic.Hertz), nil
}

func printCardSummary(w io.Writer, hostName string, cd *card.Card) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(hostName)
	t.AppendRows([]table.Row{
		{"Timing", cd.Negotiated.Timing},
		{"Bus width", fmt.Sprintf("%d bit", cd.Negotiated.BusWidth)},
		{"Signal voltage", cd.Negotiated.SignalVoltage},
		{"Clock", frequency(cd.Negotiated.Clock)},
		{"Scaling window", frequency(cd.ClkScalingLowest) + " - " + frequency(cd.ClkScalingHighest)},
		{"Capacity", units.BytesSize(float64(cd.Capacity()))},
		{"Cache", units.BytesSize(float64(cd.ExtCSD.CacheSize) * 1024)},
		{"Command queue depth", cd.ExtCSD.CMDQDepth},
		{"Card types", cd.Available.Types},
		{"Flags", cd.Flags()},
		{"State", cd.State()},
	})
	t.Render()
}

func printAttributes(w io.Writer, attrs []card.Attribute) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Attribute", "Value"})
	for _, attr := range attrs {
		t.AppendRow(table.Row{attr.Name, attr.Value})
	}
	t.Render()
}

func printPartitions(w io.Writer, parts []register.Partition) {
	if len(parts) == 0 {
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Partition", "Area", "Size", "Read only"})
	for _, p := range parts {
		t.AppendRow(table.Row{p.Name, p.Area, units.BytesSize(float64(p.Size)), p.ReadOnly})
	}
	t.Render()
}

// printStep prints one line per engine operation, colored by outcome.
func printStep(w io.Writer, step string, err error) {
	if err != nil {
		fmt.Fprintf(w, "%-24s %s %v\n", step, color.RedString("FAILED"), err)
		return
	}
	fmt.Fprintf(w, "%-24s %s\n", step, color.GreenString("ok"))
}

func printDeferred(w io.Writer, step string, err error) {
	fmt.Fprintf(w, "%-24s %s %v\n", step, color.YellowString("deferred"), err)
}

// PrintError prints err the way the commands print failed steps.
func PrintError(w io.Writer, err error) {
	fmt.Fprintf(w, "%s %v\n", color.RedString("Error:"), err)
}
