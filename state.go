package podflow

import (
	"fmt"
	"sync"
	"time"
)

// StageStatus is the lifecycle status of one stage within a run.
type StageStatus string

const (
	StagePending           StageStatus = "pending"
	StageRunning           StageStatus = "running"
	StageSucceeded         StageStatus = "succeeded"
	StageSucceededDegraded StageStatus = "succeeded_degraded"
	StageFailed            StageStatus = "failed"
)

// Satisfied reports whether dependents of a stage in this status may run.
func (s StageStatus) Satisfied() bool {
	return s == StageSucceeded || s == StageSucceededDegraded
}

// Terminal reports whether the stage has finished.
func (s StageStatus) Terminal() bool {
	return s == StageSucceeded || s == StageSucceededDegraded || s == StageFailed
}

// Valid reports whether s is a known status.
func (s StageStatus) Valid() bool {
	switch s {
	case StagePending, StageRunning, StageSucceeded, StageSucceededDegraded, StageFailed:
		return true
	}
	return false
}

// canTransition lists the allowed forward transitions. A pending stage may
// fail directly when its preconditions are not met. Running to running is
// allowed so that a stage interrupted mid-flight can be resumed.
func (s StageStatus) canTransition(to StageStatus) bool {
	switch s {
	case StagePending:
		return to == StageRunning || to == StageFailed
	case StageRunning:
		return to == StageRunning || to.Terminal()
	}
	return false
}

// RunStatus is the status of a run as a whole.
type RunStatus string

const (
	RunInitialized RunStatus = "initialized"
	RunRunning     RunStatus = "running"
	RunCompleted   RunStatus = "completed"
	RunFailed      RunStatus = "failed"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// StageState tracks the progress of one stage. This struct is designed to be
// fully JSON serializable.
type StageState struct {
	Status    StageStatus `json:"status"`
	Attempts  int         `json:"attempts"`
	StartedAt time.Time   `json:"started_at,omitzero"`
	EndedAt   time.Time   `json:"ended_at,omitzero"`
}

// StageOutput is the output written by one stage.
type StageOutput struct {
	Stage       string    `json:"stage"`
	Output      Output    `json:"output"`
	Degraded    bool      `json:"degraded,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Copy returns a shallow copy of the stage output.
func (o *StageOutput) Copy() *StageOutput {
	return &StageOutput{
		Stage:       o.Stage,
		Output:      copyOutput(o.Output),
		Degraded:    o.Degraded,
		CompletedAt: o.CompletedAt,
	}
}

// ErrorRecord describes a degraded or failed stage outcome. Terminal records
// are the ones that failed the run.
type ErrorRecord struct {
	Stage    string    `json:"stage"`
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
	Attempts int       `json:"attempts"`
	Terminal bool      `json:"terminal"`
	Time     time.Time `json:"time"`
}

// State holds everything known about one run. All mutation goes through
// methods that enforce the stage lifecycle, and a terminal state rejects
// mutation until it is reopened.
type State struct {
	runID     string
	pipeline  string
	request   string
	status    RunStatus
	names     []string
	stages    map[string]*StageState
	outputs   []*StageOutput
	errors    []*ErrorRecord
	artifacts map[string]any
	startTime time.Time
	endTime   time.Time
	mutex     sync.RWMutex
}

// Confirm State can be handed to handlers.
var _ Input = (*State)(nil)

// NewState returns the initial state of a run over the named stages.
func NewState(runID, pipeline string, stageNames []string, request string) *State {
	stages := make(map[string]*StageState, len(stageNames))
	for _, name := range stageNames {
		stages[name] = &StageState{Status: StagePending}
	}
	return &State{
		runID:    runID,
		pipeline: pipeline,
		request:  request,
		status:   RunInitialized,
		names:    append([]string(nil), stageNames...),
		stages:   stages,
	}
}

// RunID returns the run ID
func (s *State) RunID() string {
	return s.runID
}

// Request returns the original request
func (s *State) Request() string {
	return s.request
}

// PipelineName returns the name of the pipeline the run belongs to
func (s *State) PipelineName() string {
	return s.pipeline
}

// Status returns the run status
func (s *State) Status() RunStatus {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.status
}

// StartTime returns when the run started
func (s *State) StartTime() time.Time {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.startTime
}

// EndTime returns when the run reached a terminal status
func (s *State) EndTime() time.Time {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.endTime
}

// StageNames returns the stage names in the order the state was created with.
func (s *State) StageNames() []string {
	return append([]string(nil), s.names...)
}

// Stage returns a copy of the state of one stage.
func (s *State) Stage(name string) (StageState, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	stage, ok := s.stages[name]
	if !ok {
		return StageState{}, false
	}
	return *stage, true
}

// StageStatus returns the status of one stage, or an empty status if the
// stage is unknown.
func (s *State) StageStatus(name string) StageStatus {
	stage, _ := s.Stage(name)
	return stage.Status
}

// Stages returns a copy of every stage state.
func (s *State) Stages() map[string]StageState {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make(map[string]StageState, len(s.stages))
	for name, stage := range s.stages {
		result[name] = *stage
	}
	return result
}

// Get returns a field from the outputs written so far, or a built-in field.
func (s *State) Get(field string) (any, bool) {
	switch field {
	case FieldRequest:
		return s.request, true
	case FieldRunID:
		return s.runID, true
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	for _, output := range s.outputs {
		if value, ok := output.Output[field]; ok {
			return value, true
		}
	}
	return nil, false
}

// Output returns a copy of the output written by a stage.
func (s *State) Output(stage string) (Output, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	for _, output := range s.outputs {
		if output.Stage == stage {
			return copyOutput(output.Output), true
		}
	}
	return nil, false
}

// Outputs returns the outputs in the order they were written.
func (s *State) Outputs() []*StageOutput {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make([]*StageOutput, 0, len(s.outputs))
	for _, output := range s.outputs {
		result = append(result, output.Copy())
	}
	return result
}

// Errors returns the error records in the order they were appended.
func (s *State) Errors() []*ErrorRecord {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make([]*ErrorRecord, 0, len(s.errors))
	for _, record := range s.errors {
		copied := *record
		result = append(result, &copied)
	}
	return result
}

// TerminalError returns the most recent terminal error record, if any.
func (s *State) TerminalError() *ErrorRecord {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	for i := len(s.errors) - 1; i >= 0; i-- {
		if s.errors[i].Terminal {
			copied := *s.errors[i]
			return &copied
		}
	}
	return nil
}

// Artifacts returns the artifacts of a completed run.
func (s *State) Artifacts() map[string]any {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return copyMap(s.artifacts)
}

// Start moves the run from initialized to running.
func (s *State) Start() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.status != RunInitialized {
		return fmt.Errorf("%w: run %s -> %s", ErrInvalidTransition, s.status, RunRunning)
	}
	s.status = RunRunning
	s.startTime = time.Now()
	return nil
}

// BeginStage marks a stage as running.
func (s *State) BeginStage(name string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	stage, err := s.transition(name, StageRunning)
	if err != nil {
		return err
	}
	if stage.StartedAt.IsZero() {
		stage.StartedAt = time.Now()
	}
	return nil
}

// RecordAttempt increments the attempt counter of a running stage and
// returns the new count.
func (s *State) RecordAttempt(name string) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	stage, ok := s.stages[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownStage, name)
	}
	if stage.Status != StageRunning {
		return 0, fmt.Errorf("%w: attempt on %s stage %q", ErrInvalidTransition, stage.Status, name)
	}
	stage.Attempts++
	return stage.Attempts, nil
}

// CompleteStage writes the output of a running stage and marks it
// succeeded, or succeeded_degraded when degraded is set. A stage output is
// never overwritten.
func (s *State) CompleteStage(name string, output Output, degraded bool) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}
	for _, existing := range s.outputs {
		if existing.Stage == name {
			return fmt.Errorf("%w: stage %q already has an output", ErrInvalidTransition, name)
		}
	}
	status := StageSucceeded
	if degraded {
		status = StageSucceededDegraded
	}
	stage, err := s.transition(name, status)
	if err != nil {
		return err
	}
	now := time.Now()
	stage.EndedAt = now
	s.outputs = append(s.outputs, &StageOutput{
		Stage:       name,
		Output:      copyOutput(output),
		Degraded:    degraded,
		CompletedAt: now,
	})
	return nil
}

// FailStage marks a stage as failed.
func (s *State) FailStage(name string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	stage, err := s.transition(name, StageFailed)
	if err != nil {
		return err
	}
	stage.EndedAt = time.Now()
	return nil
}

// AppendError adds an error record.
func (s *State) AppendError(record *ErrorRecord) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}
	copied := *record
	if copied.Time.IsZero() {
		copied.Time = time.Now()
	}
	s.errors = append(s.errors, &copied)
	return nil
}

// Complete marks the run completed with the given artifacts and seals it.
func (s *State) Complete(artifacts map[string]any) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.status != RunRunning {
		return fmt.Errorf("%w: run %s -> %s", ErrInvalidTransition, s.status, RunCompleted)
	}
	for _, name := range s.names {
		if !s.stages[name].Status.Satisfied() {
			return fmt.Errorf("%w: stage %q is %s", ErrInvalidTransition, name, s.stages[name].Status)
		}
	}
	s.status = RunCompleted
	s.artifacts = copyMap(artifacts)
	s.endTime = time.Now()
	return nil
}

// Fail marks the run failed and seals it.
func (s *State) Fail() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}
	s.status = RunFailed
	s.endTime = time.Now()
	return nil
}

// Reopen unseals a terminal run so that it can be resumed. Artifacts are
// cleared since they describe the previous terminal status.
func (s *State) Reopen() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	switch s.status {
	case RunRunning:
		return nil
	case RunInitialized:
		s.status = RunRunning
		s.startTime = time.Now()
		return nil
	}
	s.status = RunRunning
	s.artifacts = nil
	s.endTime = time.Time{}
	return nil
}

// ResetFrom returns the given stages to pending, clearing their outputs and
// attempt counters. Callers pass a stage together with its transitive
// dependents. Error records are kept.
func (s *State) ResetFrom(names ...string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}
	reset := make(map[string]bool, len(names))
	for _, name := range names {
		if _, ok := s.stages[name]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownStage, name)
		}
		reset[name] = true
	}
	for name := range reset {
		s.stages[name] = &StageState{Status: StagePending}
	}
	kept := s.outputs[:0:0]
	for _, output := range s.outputs {
		if !reset[output.Stage] {
			kept = append(kept, output)
		}
	}
	s.outputs = kept
	s.artifacts = nil
	return nil
}

func (s *State) checkOpen() error {
	if s.status.Terminal() {
		return fmt.Errorf("%w: run %s is %s", ErrStateSealed, s.runID, s.status)
	}
	return nil
}

func (s *State) transition(name string, to StageStatus) (*StageState, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	stage, ok := s.stages[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, name)
	}
	if !stage.Status.canTransition(to) {
		return nil, fmt.Errorf("%w: stage %q %s -> %s", ErrInvalidTransition, name, stage.Status, to)
	}
	stage.Status = to
	return stage, nil
}

// copyMap creates a shallow copy of a map
func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	copy := make(map[string]any, len(m))
	for k, v := range m {
		copy[k] = v
	}
	return copy
}

func copyOutput(o Output) Output {
	if o == nil {
		return Output{}
	}
	copy := make(Output, len(o))
	for k, v := range o {
		copy[k] = v
	}
	return copy
}
