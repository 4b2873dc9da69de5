package viz

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"

	"github.com/mverhoef/ecotune/internal/closedloop"
	"github.com/mverhoef/ecotune/internal/mpc"
	"github.com/mverhoef/ecotune/internal/ocp"
	"github.com/mverhoef/ecotune/internal/plant"
)

const liveWindow = 120 // plotted steps

var (
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true).MarginBottom(1)
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(12)
	valueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	graphStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("49")).Padding(1, 0)
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).MarginTop(1)
)

type TickMsg time.Time

type liveLane struct {
	ctrl    mpc.Controller
	x       plant.State
	costDev []float64
	err     error
}

// Live steps every controller lane in lockstep while rendering, the same
// loop the batch runner executes but one step per frame.
type Live struct {
	model    string
	disc     *plant.Discretizer
	orbit    *ocp.Orbit
	x0       plant.State
	schedule map[int][]closedloop.Disturbance
	lanes    []*liveLane
	step     int
	steps    int
	running  bool
}

func NewLive(model string, disc *plant.Discretizer, orbit *ocp.Orbit, controllers []mpc.Controller, x0 plant.State, schedule []closedloop.Disturbance, steps int) Live {
	byStep := make(map[int][]closedloop.Disturbance)
	for _, d := range schedule {
		byStep[d.Step] = append(byStep[d.Step], d)
	}
	lanes := make([]*liveLane, len(controllers))
	for i, c := range controllers {
		c.Reset()
		lanes[i] = &liveLane{ctrl: c, x: x0.Clone()}
	}
	return Live{
		model:    model,
		disc:     disc,
		orbit:    orbit,
		x0:       x0,
		schedule: byStep,
		lanes:    lanes,
		steps:    steps,
		running:  true,
	}
}

func (m Live) Init() tea.Cmd {
	return tea.Tick(time.Second/20, func(t time.Time) tea.Msg { return TickMsg(t) })
}

func (m Live) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case " ":
			m.running = !m.running
		case "r":
			m.reset()
		}
	case TickMsg:
		if m.running && m.step < m.steps {
			m.advance()
		}
		return m, tea.Tick(time.Second/20, func(t time.Time) tea.Msg { return TickMsg(t) })
	}
	return m, nil
}

func (m *Live) reset() {
	for _, lane := range m.lanes {
		lane.ctrl.Reset()
		lane.x = m.x0.Clone()
		lane.costDev = nil
		lane.err = nil
	}
	m.step = 0
}

func (m *Live) advance() {
	sys := m.disc.System()
	for _, lane := range m.lanes {
		if lane.err != nil {
			continue
		}
		for _, d := range m.schedule[m.step] {
			for i := range lane.x {
				if i < len(d.Delta) {
					lane.x[i] += d.Delta[i]
				}
			}
		}
		u, err := lane.ctrl.Step(lane.x)
		if err != nil {
			lane.err = err
			continue
		}
		xr, ur := m.orbit.Phase(m.step)
		lane.costDev = append(lane.costDev, sys.StageCost(lane.x, u)-sys.StageCost(xr, ur))
		lane.x = m.disc.Step(lane.x, u)
		if !lane.x.IsValid() {
			lane.err = plant.ErrInvalidState
		}
	}
	m.step++
}

func (m Live) View() string {
	var b strings.Builder

	b.WriteString(headerStyle.Render(fmt.Sprintf("%s closed loop, step %d/%d", m.model, m.step, m.steps)))
	b.WriteByte('\n')

	for _, lane := range m.lanes {
		name := labelStyle.Render(lane.ctrl.Name())
		var status string
		switch {
		case lane.err != nil:
			status = failStyle.Render("failed: " + lane.err.Error())
		case len(lane.costDev) > 0:
			status = valueStyle.Render(fmt.Sprintf("cost dev %+.6f", lane.costDev[len(lane.costDev)-1]))
		default:
			status = valueStyle.Render("waiting")
		}
		b.WriteString(name + " " + status + "\n")
	}

	series := make([][]float64, 0, len(m.lanes))
	legends := make([]string, 0, len(m.lanes))
	for _, lane := range m.lanes {
		if len(lane.costDev) < 2 {
			continue
		}
		window := lane.costDev
		if len(window) > liveWindow {
			window = window[len(window)-liveWindow:]
		}
		series = append(series, window)
		legends = append(legends, lane.ctrl.Name())
	}
	if len(series) > 0 {
		chart := asciigraph.PlotMany(series,
			asciigraph.Height(10),
			asciigraph.Width(plotWidth),
			asciigraph.Caption("stage-cost deviation"),
			asciigraph.SeriesLegends(legends...),
		)
		b.WriteString(graphStyle.Render(chart))
		b.WriteByte('\n')
	}

	b.WriteString(helpStyle.Render("space pause/resume - r reset - q quit"))
	b.WriteByte('\n')
	return b.String()
}

// Run starts the live view and blocks until it exits.
func Run(m Live) error {
	_, err := tea.NewProgram(m).Run()
	return err
}
