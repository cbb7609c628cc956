// Package podcast defines the personalized podcast pipeline: the stage
// declarations, their handlers, and the fallbacks used when collaborators
// are unavailable.
package podcast

import (
	"context"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/podflow"
	"github.com/deepnoodle-ai/podflow/script"
)

// PipelineName is the name runs of this pipeline are stored under.
const PipelineName = "podcast"

// DefaultQualityGate approves research whose critique score is high enough.
const DefaultQualityGate = "score >= 0.8"

// DefaultFallbackScript is rendered when the script writer cannot reach the
// language model.
const DefaultFallbackScript = `Welcome to your personalized briefing on ${request}.

${summary}

That's all for today. Thanks for listening.`

// Collaborators are the external services used by the stages. Any of them
// may be nil, in which case the stages using it degrade.
type Collaborators struct {
	ChatHistory podflow.Collaborator
	Documents   podflow.Collaborator
	Mailbox     podflow.Collaborator
	Search      podflow.Collaborator
	LLM         podflow.Collaborator
	Embedder    podflow.Collaborator
	VectorStore podflow.Collaborator
	Speech      podflow.Collaborator
}

// Options configures the pipeline.
type Options struct {
	// Stages overrides the stage declarations. Use DefaultStages as a base.
	Stages []*podflow.Stage

	// QualityGate is a Risor expression over score and feedback that decides
	// whether the critic approves the research.
	QualityGate string

	// FallbackScript is a template over request, summary, feedback, and
	// interests.
	FallbackScript string

	SearchLimit int
	TopK        int
	ChunkSize   int
	Voice       string
	AudioFormat string
	// AudioDir is where audio files are written, one per run.
	AudioDir string

	// Compiler compiles the quality gate and fallback template. Defaults to
	// a Risor engine with safe builtins.
	Compiler script.Compiler
}

func (o *Options) setDefaults() {
	if o.Stages == nil {
		o.Stages = DefaultStages()
	}
	if o.QualityGate == "" {
		o.QualityGate = DefaultQualityGate
	}
	if o.FallbackScript == "" {
		o.FallbackScript = DefaultFallbackScript
	}
	if o.SearchLimit <= 0 {
		o.SearchLimit = 5
	}
	if o.TopK <= 0 {
		o.TopK = 4
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 800
	}
	if o.AudioFormat == "" {
		o.AudioFormat = "mp3"
	}
	if o.Compiler == nil {
		o.Compiler = script.NewRisorEngine(script.SafeGlobals())
	}
}

func stage(name, description string, attempts int, timeout time.Duration, deps, requires, produces []string) *podflow.Stage {
	return &podflow.Stage{
		Name:           name,
		Description:    description,
		DependsOn:      deps,
		RequiredInputs: requires,
		Produces:       produces,
		Retry:          podflow.DefaultRetryPolicy().WithAttempts(attempts),
		Timeout:        timeout,
	}
}

// DefaultStages returns fresh declarations of the pipeline's stages.
func DefaultStages() []*podflow.Stage {
	stages := []*podflow.Stage{
		stage(StagePersonalize, "Build a listener profile from personal data", 3, 120*time.Second,
			nil,
			[]string{podflow.FieldRequest},
			[]string{FieldUserProfile}),
		stage(StageSearch, "Search the web for the requested topic", 3, 180*time.Second,
			[]string{StagePersonalize},
			[]string{podflow.FieldRequest, FieldUserProfile},
			[]string{FieldSearchResults}),
		stage(StageQueryWriter, "Write retrieval queries", 2, 60*time.Second,
			[]string{StageSearch},
			[]string{podflow.FieldRequest, FieldUserProfile, FieldSearchResults},
			[]string{FieldRAGQueries, FieldSearchScope}),
		stage(StageDBConstructor, "Index search results for retrieval", 2, 300*time.Second,
			[]string{StageQueryWriter},
			[]string{FieldSearchResults},
			[]string{FieldVectorIndex}),
		stage(StageResearcher, "Synthesize research from retrieved passages", 2, 120*time.Second,
			[]string{StageDBConstructor},
			[]string{FieldRAGQueries, FieldVectorIndex},
			[]string{FieldResearchResult, FieldResearchSources}),
		stage(StageCritic, "Score the research", 1, 60*time.Second,
			[]string{StageResearcher},
			[]string{FieldResearchResult},
			[]string{FieldQualityScore, FieldCriticFeedback, FieldApproved}),
		stage(StageScriptWriter, "Write the podcast script", 2, 90*time.Second,
			[]string{StageCritic},
			[]string{FieldResearchResult, FieldCriticFeedback, FieldUserProfile},
			[]string{FieldPodcastScript}),
		stage(StageReporter, "Write the research report", 3, 120*time.Second,
			[]string{StageCritic},
			[]string{podflow.FieldRequest, FieldResearchResult, FieldQualityScore},
			[]string{FieldReport}),
		stage(StageTTS, "Synthesize the podcast audio", 2, 180*time.Second,
			[]string{StageScriptWriter},
			[]string{FieldPodcastScript},
			[]string{FieldAudioFile}),
	}
	stages[len(stages)-1].NonDegradable = true
	return stages
}

// Artifacts returns the artifacts extracted from a completed run.
func Artifacts() []*podflow.Artifact {
	return []*podflow.Artifact{
		{Name: ArtifactScript, Field: FieldPodcastScript, Description: "Podcast script"},
		{Name: ArtifactAudio, Field: FieldAudioFile, Description: "Path of the synthesized audio"},
		{Name: ArtifactReport, Field: FieldReport, Description: "Research report in markdown"},
	}
}

// Handlers returns the stage handlers bound to the collaborators.
func Handlers(c Collaborators, opts Options) ([]podflow.Handler, error) {
	opts.setDefaults()
	ctx := context.Background()
	gate, err := script.NewCondition(ctx, opts.Compiler, opts.QualityGate, "score", "feedback")
	if err != nil {
		return nil, fmt.Errorf("invalid quality gate: %w", err)
	}
	fallbackScript, err := script.NewTemplate(opts.Compiler, opts.FallbackScript,
		"request", "summary", "feedback", "interests")
	if err != nil {
		return nil, fmt.Errorf("invalid fallback script: %w", err)
	}
	p := &stages{c: c, opts: opts, gate: gate, fallbackScript: fallbackScript}
	return []podflow.Handler{
		podflow.NewHandler(StagePersonalize, p.personalize, podflow.WithFallback(p.personalizeFallback)),
		podflow.NewHandler(StageSearch, p.search, podflow.WithFallback(p.searchFallback)),
		podflow.NewHandler(StageQueryWriter, p.writeQueries, podflow.WithFallback(p.writeQueriesFallback)),
		podflow.NewHandler(StageDBConstructor, p.buildIndex, podflow.WithFallback(p.buildIndexFallback)),
		podflow.NewHandler(StageResearcher, p.research, podflow.WithFallback(p.researchFallback)),
		podflow.NewHandler(StageCritic, p.critique, podflow.WithFallback(p.critiqueFallback)),
		podflow.NewHandler(StageScriptWriter, p.writeScript, podflow.WithFallback(p.writeScriptFallback)),
		podflow.NewHandler(StageReporter, p.writeReport, podflow.WithFallback(p.writeReportFallback)),
		podflow.NewHandler(StageTTS, p.synthesize),
	}, nil
}

// NewPipeline returns the podcast pipeline bound to the collaborators.
func NewPipeline(c Collaborators, opts Options) (*podflow.Pipeline, error) {
	opts.setDefaults()
	handlers, err := Handlers(c, opts)
	if err != nil {
		return nil, err
	}
	return podflow.New(podflow.Options{
		Name:        PipelineName,
		Description: "Generate a personalized podcast from a request",
		Stages:      opts.Stages,
		Artifacts:   Artifacts(),
		Handlers:    handlers,
	})
}

// stages holds the state shared by the handlers. It is immutable after
// construction and safe for concurrent runs.
type stages struct {
	c              Collaborators
	opts           Options
	gate           *script.Condition
	fallbackScript *script.Template
}
