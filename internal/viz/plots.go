// Package viz renders closed-loop comparisons: static asciigraph panels
// for the CLI and a bubbletea live view that steps the controllers while
// drawing.
package viz

import (
	"fmt"
	"math"
	"strings"

	"github.com/guptarohit/asciigraph"

	"github.com/mverhoef/ecotune/internal/closedloop"
)

const (
	plotWidth  = 80
	plotHeight = 12
)

// PlotCostDeviation draws every lane's stage-cost deviation on one chart.
func PlotCostDeviation(res *closedloop.Result) string {
	series := make([][]float64, 0, len(res.Lanes))
	legends := make([]string, 0, len(res.Lanes))
	for _, lane := range res.Lanes {
		if len(lane.CostDev) == 0 {
			continue
		}
		series = append(series, lane.CostDev)
		legends = append(legends, lane.Name)
	}
	if len(series) == 0 {
		return "no data"
	}
	return asciigraph.PlotMany(series,
		asciigraph.Height(plotHeight),
		asciigraph.Width(plotWidth),
		asciigraph.Caption("stage-cost deviation from the optimal orbit"),
		asciigraph.SeriesLegends(legends...),
	)
}

// PlotState draws one state component across lanes.
func PlotState(res *closedloop.Result, idx int, label string) string {
	series := make([][]float64, 0, len(res.Lanes))
	legends := make([]string, 0, len(res.Lanes))
	for _, lane := range res.Lanes {
		if len(lane.States) == 0 || idx >= len(lane.States[0]) {
			continue
		}
		col := make([]float64, len(lane.States))
		for i, x := range lane.States {
			col[i] = x[idx]
		}
		series = append(series, col)
		legends = append(legends, lane.Name)
	}
	if len(series) == 0 {
		return "no data"
	}
	return asciigraph.PlotMany(series,
		asciigraph.Height(plotHeight),
		asciigraph.Width(plotWidth),
		asciigraph.Caption(label),
		asciigraph.SeriesLegends(legends...),
	)
}

// PlotControl draws one control component across lanes.
func PlotControl(res *closedloop.Result, idx int, label string) string {
	series := make([][]float64, 0, len(res.Lanes))
	legends := make([]string, 0, len(res.Lanes))
	for _, lane := range res.Lanes {
		if len(lane.Controls) == 0 || idx >= len(lane.Controls[0]) {
			continue
		}
		col := make([]float64, len(lane.Controls))
		for i, u := range lane.Controls {
			col[i] = u[idx]
		}
		series = append(series, col)
		legends = append(legends, lane.Name)
	}
	if len(series) == 0 {
		return "no data"
	}
	return asciigraph.PlotMany(series,
		asciigraph.Height(plotHeight),
		asciigraph.Width(plotWidth),
		asciigraph.Caption(label),
		asciigraph.SeriesLegends(legends...),
	)
}

// EquivalenceTable formats an alpha sweep as a text table of pairwise
// control gaps against the reference controller.
func EquivalenceTable(points []closedloop.EquivalencePoint, ref string, others []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-10s", "alpha")
	for _, name := range others {
		fmt.Fprintf(&b, "%-24s", "|u_"+name+" - u_"+ref+"|")
	}
	b.WriteByte('\n')
	for _, pt := range points {
		fmt.Fprintf(&b, "%-10.4f", pt.Alpha)
		for _, name := range others {
			gap := pt.ControlGap(ref, name)
			if math.IsNaN(gap) {
				fmt.Fprintf(&b, "%-24s", "n/a")
			} else {
				fmt.Fprintf(&b, "%-24.6e", gap)
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// PlotEquivalence draws the control gap between two controllers over the
// alpha sweep.
func PlotEquivalence(points []closedloop.EquivalencePoint, ref, other string) string {
	gaps := make([]float64, 0, len(points))
	for _, pt := range points {
		g := pt.ControlGap(ref, other)
		if math.IsNaN(g) {
			continue
		}
		gaps = append(gaps, g)
	}
	if len(gaps) < 2 {
		return "not enough sweep points to plot"
	}
	return asciigraph.Plot(gaps,
		asciigraph.Height(8),
		asciigraph.Width(plotWidth),
		asciigraph.Caption(fmt.Sprintf("|u_%s - u_%s| over the alpha sweep", other, ref)),
	)
}
