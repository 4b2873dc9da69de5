package viz

import (
	"fmt"
	"strings"

	"github.com/mverhoef/ecotune/internal/closedloop"
)

var svgPalette = []string{"#00d7ff", "#ff8700", "#5fff5f", "#ff5fd7", "#ffd700"}

// SVGCostDeviation renders every lane's stage cost deviation as one SVG
// line chart. All lanes share one vertical scale so the curves are
// directly comparable.
func SVGCostDeviation(res *closedloop.Result, width, height int) string {
	series := make([][]float64, 0, len(res.Lanes))
	names := make([]string, 0, len(res.Lanes))
	for _, lane := range res.Lanes {
		series = append(series, lane.CostDev)
		names = append(names, lane.Name)
	}
	return svgChart("stage cost deviation", names, series, width, height)
}

// SVGState renders one state component of every lane.
func SVGState(res *closedloop.Result, idx int, label string, width, height int) string {
	series := make([][]float64, 0, len(res.Lanes))
	names := make([]string, 0, len(res.Lanes))
	for _, lane := range res.Lanes {
		vals := make([]float64, 0, len(lane.States))
		for _, x := range lane.States {
			if idx < len(x) {
				vals = append(vals, x[idx])
			}
		}
		series = append(series, vals)
		names = append(names, lane.Name)
	}
	return svgChart(label, names, series, width, height)
}

func svgChart(title string, names []string, series [][]float64, width, height int) string {
	minY, maxY, maxLen := bounds(series)
	if maxLen < 2 {
		return ""
	}

	rangeY := maxY - minY
	if rangeY == 0 {
		rangeY = 1
	}
	minY -= rangeY * 0.1
	maxY += rangeY * 0.1
	rangeY = maxY - minY

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d">
<rect width="100%%" height="100%%" fill="#0a0a0a"/>
<text x="8" y="16" fill="#b0b0b0" font-family="monospace" font-size="12">%s</text>
`, width, height, width, height, title))

	for si, vals := range series {
		if len(vals) < 2 {
			continue
		}
		color := svgPalette[si%len(svgPalette)]

		sb.WriteString(fmt.Sprintf(`<path fill="none" stroke="%s" stroke-width="1.5" d="M`, color))
		for i, v := range vals {
			x := float64(i) / float64(maxLen-1) * float64(width)
			y := float64(height) - (v-minY)/rangeY*float64(height)
			if i == 0 {
				sb.WriteString(fmt.Sprintf("%.1f,%.1f", x, y))
			} else {
				sb.WriteString(fmt.Sprintf(" L%.1f,%.1f", x, y))
			}
		}
		sb.WriteString("\"/>\n")

		sb.WriteString(fmt.Sprintf(`<text x="8" y="%d" fill="%s" font-family="monospace" font-size="12">%s</text>
`, 34+si*16, color, names[si]))
	}

	sb.WriteString("</svg>\n")
	return sb.String()
}

func bounds(series [][]float64) (minY, maxY float64, maxLen int) {
	first := true
	for _, vals := range series {
		if len(vals) > maxLen {
			maxLen = len(vals)
		}
		for _, v := range vals {
			if first {
				minY, maxY = v, v
				first = false
				continue
			}
			if v < minY {
				minY = v
			}
			if v > maxY {
				maxY = v
			}
		}
	}
	return minY, maxY, maxLen
}
