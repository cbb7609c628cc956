package podflow

import (
	"fmt"
	"time"
)

// StageRecord is the persisted form of one stage state.
type StageRecord struct {
	Name string `json:"name"`
	StageState
}

// RunRecord contains a complete snapshot of a run. It is what run stores
// persist and what Resume reloads.
type RunRecord struct {
	RunID     string         `json:"run_id"`
	Pipeline  string         `json:"pipeline"`
	Request   string         `json:"request"`
	Status    RunStatus      `json:"status"`
	Stages    []*StageRecord `json:"stages"`
	Outputs   []*StageOutput `json:"outputs"`
	Errors    []*ErrorRecord `json:"errors"`
	Artifacts map[string]any `json:"artifacts,omitempty"`
	StartTime time.Time      `json:"start_time,omitzero"`
	EndTime   time.Time      `json:"end_time,omitzero"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Summary returns the listing form of the record.
func (r *RunRecord) Summary() *RunSummary {
	summary := &RunSummary{
		RunID:     r.RunID,
		Pipeline:  r.Pipeline,
		Request:   r.Request,
		Status:    r.Status,
		StartTime: r.StartTime,
		EndTime:   r.EndTime,
		UpdatedAt: r.UpdatedAt,
	}
	for _, stage := range r.Stages {
		if stage.Status.Satisfied() {
			summary.StagesDone++
		}
		if stage.Status == StageSucceededDegraded {
			summary.Degraded++
		}
	}
	summary.StagesTotal = len(r.Stages)
	return summary
}

// RunSummary is a compact description of a stored run.
type RunSummary struct {
	RunID       string    `json:"run_id"`
	Pipeline    string    `json:"pipeline"`
	Request     string    `json:"request"`
	Status      RunStatus `json:"status"`
	StagesDone  int       `json:"stages_done"`
	StagesTotal int       `json:"stages_total"`
	Degraded    int       `json:"degraded"`
	StartTime   time.Time `json:"start_time,omitzero"`
	EndTime     time.Time `json:"end_time,omitzero"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ToRecord converts the state to a run record
func (s *State) ToRecord() *RunRecord {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	record := &RunRecord{
		RunID:     s.runID,
		Pipeline:  s.pipeline,
		Request:   s.request,
		Status:    s.status,
		Stages:    make([]*StageRecord, 0, len(s.names)),
		Outputs:   make([]*StageOutput, 0, len(s.outputs)),
		Errors:    make([]*ErrorRecord, 0, len(s.errors)),
		Artifacts: copyMap(s.artifacts),
		StartTime: s.startTime,
		EndTime:   s.endTime,
		UpdatedAt: time.Now(),
	}
	for _, name := range s.names {
		record.Stages = append(record.Stages, &StageRecord{Name: name, StageState: *s.stages[name]})
	}
	for _, output := range s.outputs {
		record.Outputs = append(record.Outputs, output.Copy())
	}
	for _, e := range s.errors {
		copied := *e
		record.Errors = append(record.Errors, &copied)
	}
	return record
}

// StateFromRecord restores a state from a run record.
func StateFromRecord(record *RunRecord) (*State, error) {
	if record == nil {
		return nil, fmt.Errorf("run record required")
	}
	if record.RunID == "" {
		return nil, fmt.Errorf("run record has no run id")
	}
	names := make([]string, 0, len(record.Stages))
	stages := make(map[string]*StageState, len(record.Stages))
	for _, stage := range record.Stages {
		if !stage.Status.Valid() {
			return nil, fmt.Errorf("stage %q has invalid status %q", stage.Name, stage.Status)
		}
		if _, exists := stages[stage.Name]; exists {
			return nil, fmt.Errorf("duplicate stage %q in run record", stage.Name)
		}
		names = append(names, stage.Name)
		copied := stage.StageState
		stages[stage.Name] = &copied
	}
	state := &State{
		runID:     record.RunID,
		pipeline:  record.Pipeline,
		request:   record.Request,
		status:    record.Status,
		names:     names,
		stages:    stages,
		artifacts: copyMap(record.Artifacts),
		startTime: record.StartTime,
		endTime:   record.EndTime,
	}
	seen := map[string]bool{}
	for _, output := range record.Outputs {
		if _, ok := stages[output.Stage]; !ok {
			return nil, fmt.Errorf("output for unknown stage %q in run record", output.Stage)
		}
		if seen[output.Stage] {
			return nil, fmt.Errorf("duplicate output for stage %q in run record", output.Stage)
		}
		seen[output.Stage] = true
		state.outputs = append(state.outputs, output.Copy())
	}
	for _, e := range record.Errors {
		copied := *e
		state.errors = append(state.errors, &copied)
	}
	return state, nil
}
