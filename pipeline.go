package podflow

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Artifact names a field that is exported from a completed run.
type Artifact struct {
	Name        string `json:"name" yaml:"name"`
	Field       string `json:"field" yaml:"field"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Options are used to configure a pipeline.
type Options struct {
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Stages      []*Stage    `json:"stages" yaml:"stages"`
	Artifacts   []*Artifact `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	Handlers    []Handler   `json:"-" yaml:"-"`
}

// Pipeline is a validated, ordered set of stages.
type Pipeline struct {
	name         string
	description  string
	stages       []*Stage
	stagesByName map[string]*Stage
	order        []*Stage
	index        map[string]int
	dependents   map[string][]string
	producers    map[string]string
	handlers     map[string]Handler
	artifacts    []*Artifact
}

// New returns a new Pipeline configured with the given options.
func New(opts Options) (*Pipeline, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("pipeline name required")
	}
	if len(opts.Stages) == 0 {
		return nil, fmt.Errorf("stages required")
	}

	handlers := make(map[string]Handler, len(opts.Handlers))
	for _, h := range opts.Handlers {
		if h == nil || h.Name() == "" {
			return nil, fmt.Errorf("handler name required")
		}
		if _, exists := handlers[h.Name()]; exists {
			return nil, fmt.Errorf("duplicate handler %q", h.Name())
		}
		handlers[h.Name()] = h
	}

	p := &Pipeline{
		name:         opts.Name,
		description:  opts.Description,
		stages:       opts.Stages,
		stagesByName: make(map[string]*Stage, len(opts.Stages)),
		index:        make(map[string]int, len(opts.Stages)),
		dependents:   make(map[string][]string, len(opts.Stages)),
		producers:    map[string]string{},
		handlers:     handlers,
		artifacts:    opts.Artifacts,
	}
	if err := p.build(); err != nil {
		return nil, fmt.Errorf("pipeline validation failed: %w", err)
	}
	return p, nil
}

func (p *Pipeline) build() error {
	var errs []error
	for i, stage := range p.stages {
		if stage == nil || stage.Name == "" {
			return fmt.Errorf("stage %d: name required", i)
		}
		if _, exists := p.stagesByName[stage.Name]; exists {
			return fmt.Errorf("duplicate stage name %q", stage.Name)
		}
		p.stagesByName[stage.Name] = stage
		p.index[stage.Name] = i
	}

	for _, stage := range p.stages {
		seen := map[string]bool{}
		for _, dep := range stage.DependsOn {
			if dep == stage.Name {
				errs = append(errs, fmt.Errorf("stage %q depends on itself", stage.Name))
				continue
			}
			if _, ok := p.stagesByName[dep]; !ok {
				errs = append(errs, fmt.Errorf("stage %q depends on unknown stage %q", stage.Name, dep))
				continue
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			p.dependents[dep] = append(p.dependents[dep], stage.Name)
		}
		for _, field := range stage.Produces {
			if isBuiltinField(field) {
				errs = append(errs, fmt.Errorf("stage %q produces built-in field %q", stage.Name, field))
				continue
			}
			if other, exists := p.producers[field]; exists {
				errs = append(errs, fmt.Errorf("field %q is produced by both %q and %q", field, other, stage.Name))
				continue
			}
			p.producers[field] = stage.Name
		}
		if _, ok := p.handlers[stage.HandlerName()]; !ok {
			errs = append(errs, fmt.Errorf("stage %q: unknown handler %q", stage.Name, stage.HandlerName()))
		}
		if stage.Retry != nil {
			if err := stage.Retry.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("stage %q: retry: %w", stage.Name, err))
			}
		}
		if stage.Timeout < 0 {
			errs = append(errs, fmt.Errorf("stage %q: timeout must not be negative", stage.Name))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if cycle := p.findCycle(); len(cycle) > 0 {
		return fmt.Errorf("dependency cycle: %s", strings.Join(cycle, " -> "))
	}

	for _, stage := range p.stages {
		for _, field := range stage.RequiredInputs {
			if isBuiltinField(field) {
				continue
			}
			producer, ok := p.producers[field]
			if !ok {
				errs = append(errs, fmt.Errorf("stage %q requires %q which no stage produces", stage.Name, field))
				continue
			}
			if producer == stage.Name {
				errs = append(errs, fmt.Errorf("stage %q requires its own output %q", stage.Name, field))
			}
		}
	}
	for _, artifact := range p.artifacts {
		if artifact.Name == "" {
			errs = append(errs, fmt.Errorf("artifact name required"))
			continue
		}
		if _, ok := p.producers[artifact.Field]; !ok {
			errs = append(errs, fmt.Errorf("artifact %q refers to field %q which no stage produces", artifact.Name, artifact.Field))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	p.order = p.topologicalOrder()
	return nil
}

// findCycle runs a depth-first search with colour marking: white
// (unvisited), gray (on the current path), black (finished). It returns the
// stages forming the first cycle found, or nil.
func (p *Pipeline) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	colors := make(map[string]int, len(p.stages))
	var path []string
	var visit func(name string) []string
	visit = func(name string) []string {
		colors[name] = gray
		path = append(path, name)
		for _, dep := range p.stagesByName[name].DependsOn {
			switch colors[dep] {
			case gray:
				start := 0
				for i, n := range path {
					if n == dep {
						start = i
						break
					}
				}
				return append(append([]string{}, path[start:]...), dep)
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		path = path[:len(path)-1]
		colors[name] = black
		return nil
	}
	for _, stage := range p.stages {
		if colors[stage.Name] == white {
			if cycle := visit(stage.Name); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// topologicalOrder uses Kahn's algorithm, always picking the ready stage that
// was declared first.
func (p *Pipeline) topologicalOrder() []*Stage {
	pending := make(map[string]int, len(p.stages))
	for _, stage := range p.stages {
		pending[stage.Name] = len(uniqueStrings(stage.DependsOn))
	}
	var ready []int
	for i, stage := range p.stages {
		if pending[stage.Name] == 0 {
			ready = append(ready, i)
		}
	}
	order := make([]*Stage, 0, len(p.stages))
	for len(ready) > 0 {
		sort.Ints(ready)
		next := p.stages[ready[0]]
		ready = ready[1:]
		order = append(order, next)
		for _, dependent := range p.dependents[next.Name] {
			pending[dependent]--
			if pending[dependent] == 0 {
				ready = append(ready, p.index[dependent])
			}
		}
	}
	return order
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]bool, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			result = append(result, v)
		}
	}
	return result
}

// Name returns the pipeline name
func (p *Pipeline) Name() string {
	return p.name
}

// Description returns the pipeline description
func (p *Pipeline) Description() string {
	return p.description
}

// Stages returns the stages in declaration order
func (p *Pipeline) Stages() []*Stage {
	return p.stages
}

// Order returns the stages in execution order.
func (p *Pipeline) Order() []*Stage {
	return p.order
}

// Artifacts returns the artifacts exported by completed runs.
func (p *Pipeline) Artifacts() []*Artifact {
	return p.artifacts
}

// GetStage returns a stage by name
func (p *Pipeline) GetStage(name string) (*Stage, bool) {
	stage, ok := p.stagesByName[name]
	return stage, ok
}

// Handler returns the handler bound to the stage.
func (p *Pipeline) Handler(stage *Stage) (Handler, bool) {
	h, ok := p.handlers[stage.HandlerName()]
	return h, ok
}

// Producer returns the stage that produces the given field.
func (p *Pipeline) Producer(field string) (string, bool) {
	name, ok := p.producers[field]
	return name, ok
}

// StageNames returns the names of all stages in execution order.
func (p *Pipeline) StageNames() []string {
	names := make([]string, 0, len(p.order))
	for _, stage := range p.order {
		names = append(names, stage.Name)
	}
	return names
}

// Downstream returns the stages that transitively depend on the named
// stage, in execution order. The stage itself is not included.
func (p *Pipeline) Downstream(name string) []string {
	reached := map[string]bool{}
	queue := []string{name}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, dependent := range p.dependents[current] {
			if !reached[dependent] {
				reached[dependent] = true
				queue = append(queue, dependent)
			}
		}
	}
	var result []string
	for _, stage := range p.order {
		if reached[stage.Name] {
			result = append(result, stage.Name)
		}
	}
	return result
}

// Upstream returns the stages the named stage transitively depends on, in
// execution order.
func (p *Pipeline) Upstream(name string) []string {
	reached := map[string]bool{}
	var walk func(string)
	walk = func(current string) {
		stage, ok := p.stagesByName[current]
		if !ok {
			return
		}
		for _, dep := range stage.DependsOn {
			if !reached[dep] {
				reached[dep] = true
				walk(dep)
			}
		}
	}
	walk(name)
	var result []string
	for _, stage := range p.order {
		if reached[stage.Name] {
			result = append(result, stage.Name)
		}
	}
	return result
}

// Prefix returns the named stage and everything it depends on, in execution
// order.
func (p *Pipeline) Prefix(name string) ([]*Stage, error) {
	if _, ok := p.stagesByName[name]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, name)
	}
	include := map[string]bool{name: true}
	for _, upstream := range p.Upstream(name) {
		include[upstream] = true
	}
	var result []*Stage
	for _, stage := range p.order {
		if include[stage.Name] {
			result = append(result, stage)
		}
	}
	return result, nil
}

// LoadFile loads a pipeline definition from a YAML file and binds the given
// handlers to its stages.
func LoadFile(path string, handlers ...Handler) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	return LoadString(string(data), handlers...)
}

// LoadString loads a pipeline definition from a YAML string.
func LoadString(data string, handlers ...Handler) (*Pipeline, error) {
	var opts Options
	if err := yaml.Unmarshal([]byte(data), &opts); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline yaml: %w", err)
	}
	opts.Handlers = handlers
	return New(opts)
}
