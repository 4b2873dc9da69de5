// Package store persists closed-loop runs: one directory per run holding a
// metadata.json and one CSV log per controller lane.
package store

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mverhoef/ecotune/internal/closedloop"
)

type Store struct {
	baseDir string
}

func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

func (s *Store) Init() error {
	return os.MkdirAll(s.baseDir, 0755)
}

// LaneMetadata summarizes one controller lane of a run.
type LaneMetadata struct {
	Name     string             `json:"name"`
	Steps    int                `json:"steps"`
	Metrics  map[string]float64 `json:"metrics"`
	Error    string             `json:"error,omitempty"`
	FailStep int                `json:"fail_step,omitempty"`
}

type RunMetadata struct {
	ID        string         `json:"id"`
	Model     string         `json:"model"`
	Timestamp time.Time      `json:"timestamp"`
	Period    int            `json:"period"`
	Dt        float64        `json:"dt"`
	Horizon   int            `json:"horizon"`
	Steps     int            `json:"steps"`
	Seed      int64          `json:"seed"`
	Lanes     []LaneMetadata `json:"lanes"`
}

// SaveComparison writes a run directory with metadata and one CSV per lane.
func (s *Store) SaveComparison(model string, period, horizon int, seed int64, res *closedloop.Result) (string, error) {
	runID := fmt.Sprintf("%s_%d", model, time.Now().Unix())
	runDir := filepath.Join(s.baseDir, runID)

	if err := os.MkdirAll(runDir, 0755); err != nil {
		return "", err
	}

	meta := RunMetadata{
		ID:        runID,
		Model:     model,
		Timestamp: time.Now(),
		Period:    period,
		Dt:        res.Dt,
		Horizon:   horizon,
		Steps:     res.Steps,
		Seed:      seed,
	}

	for _, lane := range res.Lanes {
		lm := LaneMetadata{
			Name:    lane.Name,
			Steps:   len(lane.Controls),
			Metrics: lane.Metrics,
		}
		if lane.Err != nil {
			lm.Error = lane.Err.Error()
			lm.FailStep = lane.FailStep
		}
		meta.Lanes = append(meta.Lanes, lm)

		if err := s.writeLaneCSV(runDir, lane, res.Dt); err != nil {
			return "", err
		}
	}

	metaPath := filepath.Join(runDir, "metadata.json")
	metaFile, err := os.Create(metaPath)
	if err != nil {
		return "", err
	}
	defer metaFile.Close()

	enc := json.NewEncoder(metaFile)
	enc.SetIndent("", "  ")
	if err := enc.Encode(meta); err != nil {
		return "", err
	}

	return runID, nil
}

func (s *Store) writeLaneCSV(runDir string, lane *closedloop.Lane, dt float64) error {
	path := filepath.Join(runDir, "lane_"+lane.Name+".csv")
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if len(lane.States) == 0 {
		return nil
	}

	header := []string{"time"}
	for i := range lane.States[0] {
		header = append(header, fmt.Sprintf("x%d", i))
	}
	nu := 0
	if len(lane.Controls) > 0 {
		nu = len(lane.Controls[0])
		for i := 0; i < nu; i++ {
			header = append(header, fmt.Sprintf("u%d", i))
		}
	}
	header = append(header, "cost_dev")
	if err := w.Write(header); err != nil {
		return err
	}

	for i := range lane.States {
		row := []string{strconv.FormatFloat(float64(i)*dt, 'f', 6, 64)}
		for _, v := range lane.States[i] {
			row = append(row, strconv.FormatFloat(v, 'f', 6, 64))
		}
		if i < len(lane.Controls) {
			for _, v := range lane.Controls[i] {
				row = append(row, strconv.FormatFloat(v, 'f', 6, 64))
			}
		} else {
			for j := 0; j < nu; j++ {
				row = append(row, "")
			}
		}
		if i < len(lane.CostDev) {
			row = append(row, strconv.FormatFloat(lane.CostDev[i], 'f', 9, 64))
		} else {
			row = append(row, "")
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) List() ([]RunMetadata, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunMetadata{}, nil
		}
		return nil, err
	}

	runs := make([]RunMetadata, 0)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.Load(entry.Name())
		if err != nil {
			continue
		}
		runs = append(runs, *meta)
	}

	return runs, nil
}

func (s *Store) Load(runID string) (*RunMetadata, error) {
	metaPath := filepath.Join(s.baseDir, runID, "metadata.json")
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, err
	}

	var meta RunMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// LoadLane reads a lane CSV back as times, states and stage-cost
// deviations. Partial rows from failed lanes parse cleanly.
func (s *Store) LoadLane(runID, lane string) ([]float64, [][]float64, []float64, error) {
	path := filepath.Join(s.baseDir, runID, "lane_"+lane+".csv")
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, nil, nil, err
	}
	if len(records) < 2 {
		return nil, nil, nil, nil
	}

	header := records[0]
	nx := 0
	for _, h := range header {
		if len(h) > 0 && h[0] == 'x' {
			nx++
		}
	}

	times := make([]float64, 0, len(records)-1)
	states := make([][]float64, 0, len(records)-1)
	costDev := make([]float64, 0, len(records)-1)

	for _, rec := range records[1:] {
		if len(rec) < 1+nx {
			continue
		}
		t, err := strconv.ParseFloat(rec[0], 64)
		if err != nil {
			continue
		}
		x := make([]float64, nx)
		ok := true
		for j := 0; j < nx; j++ {
			x[j], err = strconv.ParseFloat(rec[1+j], 64)
			if err != nil {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		times = append(times, t)
		states = append(states, x)
		if cd, err := strconv.ParseFloat(rec[len(rec)-1], 64); err == nil {
			costDev = append(costDev, cd)
		}
	}

	return times, states, costDev, nil
}
