package store

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

// ExportData flattens a saved run into one JSON document.
type ExportData struct {
	RunMetadata
	LaneLogs map[string]LaneExport `json:"lane_logs"`
}

type LaneExport struct {
	Times   []float64   `json:"times"`
	States  [][]float64 `json:"states"`
	CostDev []float64   `json:"cost_dev"`
}

// ExportJSON writes a saved run, lane logs included, to w.
func (s *Store) ExportJSON(w io.Writer, runID string) error {
	meta, err := s.Load(runID)
	if err != nil {
		return err
	}

	data := ExportData{
		RunMetadata: *meta,
		LaneLogs:    make(map[string]LaneExport, len(meta.Lanes)),
	}
	for _, lane := range meta.Lanes {
		times, states, costDev, err := s.LoadLane(runID, lane.Name)
		if err != nil {
			return err
		}
		data.LaneLogs[lane.Name] = LaneExport{Times: times, States: states, CostDev: costDev}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// ExportCSV writes one wide CSV to w: time, then per lane the states and
// the stage-cost deviation, columns prefixed with the lane name.
func (s *Store) ExportCSV(w io.Writer, runID string) error {
	meta, err := s.Load(runID)
	if err != nil {
		return err
	}

	type laneData struct {
		name    string
		times   []float64
		states  [][]float64
		costDev []float64
	}

	lanes := make([]laneData, 0, len(meta.Lanes))
	rows := 0
	for _, lm := range meta.Lanes {
		times, states, costDev, err := s.LoadLane(runID, lm.Name)
		if err != nil {
			return err
		}
		lanes = append(lanes, laneData{lm.Name, times, states, costDev})
		if len(times) > rows {
			rows = len(times)
		}
	}

	cw := csv.NewWriter(w)
	defer cw.Flush()

	header := []string{"time"}
	for _, l := range lanes {
		nx := 0
		if len(l.states) > 0 {
			nx = len(l.states[0])
		}
		for j := 0; j < nx; j++ {
			header = append(header, l.name+"_x"+strconv.Itoa(j))
		}
		header = append(header, l.name+"_cost_dev")
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	for i := 0; i < rows; i++ {
		row := make([]string, 0, len(header))
		t := float64(i) * meta.Dt
		row = append(row, strconv.FormatFloat(t, 'f', 6, 64))
		for _, l := range lanes {
			nx := 0
			if len(l.states) > 0 {
				nx = len(l.states[0])
			}
			for j := 0; j < nx; j++ {
				if i < len(l.states) {
					row = append(row, strconv.FormatFloat(l.states[i][j], 'f', 6, 64))
				} else {
					row = append(row, "")
				}
			}
			if i < len(l.costDev) {
				row = append(row, strconv.FormatFloat(l.costDev[i], 'f', 9, 64))
			} else {
				row = append(row, "")
			}
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	return nil
}

// ExportJSONFile is ExportJSON to a file path.
func (s *Store) ExportJSONFile(path, runID string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return s.ExportJSON(f, runID)
}

// ExportCSVFile is ExportCSV to a file path.
func (s *Store) ExportCSVFile(path, runID string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return s.ExportCSV(f, runID)
}

// Dir returns the directory of a run.
func (s *Store) Dir(runID string) string {
	return filepath.Join(s.baseDir, runID)
}
