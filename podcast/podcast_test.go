package podcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/deepnoodle-ai/podflow"
	"github.com/deepnoodle-ai/podflow/collaborators"
	"github.com/deepnoodle-ai/podflow/collaborators/vectorstore"
	"github.com/deepnoodle-ai/podflow/retry"
	"github.com/stretchr/testify/require"
)

const request = "AI research trends"

type fakes struct {
	searchCalls atomic.Int32
	speechCalls atomic.Int32
	scripts     atomic.Int32

	searchDown atomic.Bool
	speechDown atomic.Bool
	mailDown   atomic.Bool

	// fixedScript makes the script writer answer the same on every take.
	fixedScript bool
}

func (f *fakes) collaborators() Collaborators {
	source := func(name string, down *atomic.Bool) podflow.Collaborator {
		return podflow.NewCollaborator(name, func(ctx context.Context, op string, input any) (any, error) {
			if down != nil && down.Load() {
				return nil, podflow.Unauthorized("", errors.New("token expired"))
			}
			return collaborators.FetchResponse{Source: name, Items: []collaborators.SourceItem{
				{ID: name + "-1", Text: "reading about reasoning models and robotics"},
			}}, nil
		})
	}
	return Collaborators{
		ChatHistory: source("chat_history", nil),
		Documents:   source("documents", nil),
		Mailbox:     source("mailbox", &f.mailDown),
		Search: podflow.NewCollaborator("search", func(ctx context.Context, op string, input any) (any, error) {
			f.searchCalls.Add(1)
			if f.searchDown.Load() {
				return nil, podflow.Unavailable("", errors.New("search backend down"))
			}
			return collaborators.SearchResponse{Results: []collaborators.SearchResult{
				{Title: "Agents", URL: "https://example.com/agents", Snippet: "Agents are rising.",
					Content: "Agentic systems plan and act.\n\nThey use tools."},
				{Title: "Reasoning", URL: "https://example.com/reasoning", Snippet: "Reasoning improves.",
					Content: "Reasoning models think before answering."},
			}}, nil
		}),
		LLM: podflow.NewCollaborator("llm", func(ctx context.Context, op string, input any) (any, error) {
			req := input.(collaborators.CompletionRequest)
			var content string
			switch req.System {
			case queryWriterPrompt:
				content = `{"queries": ["agentic systems", "reasoning models"], "scope": "recent AI research"}`
			case researcherPrompt:
				content = "```json\n{\"summary\": \"AI research is moving toward agents.\", \"key_points\": [\"agents\", \"reasoning\",]}\n```"
			case criticPrompt:
				content = `{"score": 0.86, "feedback": "Cite more sources."}`
			case scriptWriterPrompt:
				content = fmt.Sprintf("Script take %d about agents.", f.scripts.Add(1))
				if f.fixedScript {
					content = "Script about agents."
				}
			case reporterPrompt:
				content = "# AI research trends\n\nAgents lead."
			default:
				return nil, podflow.InvalidInput("", fmt.Errorf("unexpected prompt %q", req.System))
			}
			return collaborators.CompletionResponse{Content: content}, nil
		}),
		Embedder: podflow.NewCollaborator("embedder", func(ctx context.Context, op string, input any) (any, error) {
			req := input.(collaborators.EmbedRequest)
			vectors := make([][]float32, len(req.Texts))
			for i, text := range req.Texts {
				vectors[i] = []float32{
					float32(strings.Count(text, "a") + 1),
					float32(strings.Count(text, "e") + 1),
					float32(len(text)%5 + 1),
				}
			}
			return collaborators.EmbedResponse{Vectors: vectors}, nil
		}),
		VectorStore: vectorstore.New(),
		Speech: podflow.NewCollaborator("speech", func(ctx context.Context, op string, input any) (any, error) {
			f.speechCalls.Add(1)
			if f.speechDown.Load() {
				return nil, podflow.Unavailable("", errors.New("tts service down"))
			}
			req := input.(collaborators.SpeechRequest)
			return collaborators.SpeechResponse{Path: req.Path, Format: req.Format, Bytes: int64(len(req.Text))}, nil
		}),
	}
}

func newEngine(t *testing.T, f *fakes) (*podflow.Engine, *podflow.MemoryRunStore) {
	t.Helper()
	pipeline, err := NewPipeline(f.collaborators(), Options{AudioDir: t.TempDir()})
	require.NoError(t, err)
	store := podflow.NewMemoryRunStore()
	engine, err := podflow.NewEngine(podflow.EngineOptions{
		Pipeline: pipeline,
		Store:    store,
		Sleep:    retry.NoSleep,
	})
	require.NoError(t, err)
	return engine, store
}

func output(t *testing.T, record *podflow.RunRecord, stage string) json.RawMessage {
	t.Helper()
	for _, out := range record.Outputs {
		if out.Stage == stage {
			data, err := json.Marshal(out.Output)
			require.NoError(t, err)
			return data
		}
	}
	t.Fatalf("no output for stage %s", stage)
	return nil
}

func TestDefaultStagesValidate(t *testing.T) {
	pipeline, err := NewPipeline(Collaborators{}, Options{})
	require.NoError(t, err)

	var names []string
	for _, stage := range pipeline.Order() {
		names = append(names, stage.Name)
	}
	require.Equal(t, []string{
		StagePersonalize, StageSearch, StageQueryWriter, StageDBConstructor, StageResearcher,
		StageCritic, StageScriptWriter, StageReporter, StageTTS,
	}, names)

	tts, ok := pipeline.GetStage(StageTTS)
	require.True(t, ok)
	require.True(t, tts.NonDegradable)
	critic, _ := pipeline.GetStage(StageCritic)
	require.Equal(t, 1, critic.RetryPolicy().MaxAttempts)
	require.Equal(t, []string{StageScriptWriter, StageReporter, StageTTS}, pipeline.Downstream(StageCritic))
}

func TestInvalidQualityGate(t *testing.T) {
	_, err := NewPipeline(Collaborators{}, Options{QualityGate: "score >="})
	require.ErrorContains(t, err, "invalid quality gate")
}

// All collaborators healthy.
func TestScenarioHealthyRun(t *testing.T) {
	f := &fakes{}
	engine, _ := newEngine(t, f)

	record, err := engine.Run(context.Background(), request)
	require.NoError(t, err)
	require.Equal(t, podflow.RunCompleted, record.Status)
	for _, stage := range record.Stages {
		require.Equal(t, podflow.StageSucceeded, stage.Status, stage.Name)
	}
	require.Empty(t, record.Errors)
	require.Equal(t, "Script take 1 about agents.", record.Artifacts[ArtifactScript])
	require.Equal(t, "# AI research trends\n\nAgents lead.", record.Artifacts[ArtifactReport])
	require.True(t, strings.HasSuffix(record.Artifacts[ArtifactAudio].(string), record.RunID+".mp3"))
	require.Contains(t, string(output(t, record, StageCritic)), `"approved":true`)
}

// The search collaborator is down on every attempt.
func TestScenarioDegradedSearch(t *testing.T) {
	f := &fakes{}
	f.searchDown.Store(true)
	engine, _ := newEngine(t, f)

	record, err := engine.Run(context.Background(), request)
	require.NoError(t, err)
	require.Equal(t, podflow.RunCompleted, record.Status)
	require.Equal(t, int32(3), f.searchCalls.Load())

	statuses := map[string]podflow.StageStatus{}
	for _, stage := range record.Stages {
		statuses[stage.Name] = stage.Status
	}
	require.Equal(t, podflow.StageSucceededDegraded, statuses[StageSearch])
	for _, name := range []string{StageQueryWriter, StageDBConstructor, StageResearcher, StageCritic, StageScriptWriter, StageReporter, StageTTS} {
		require.Equal(t, podflow.StageSucceeded, statuses[name], name)
	}
	require.Len(t, record.Errors, 1)
	require.Equal(t, StageSearch, record.Errors[0].Stage)
	require.Equal(t, podflow.ErrorKindUnavailable, record.Errors[0].Kind)
	require.Equal(t, 3, record.Errors[0].Attempts)
	require.False(t, record.Errors[0].Terminal)
	require.Contains(t, record.Artifacts, ArtifactAudio)
}

// Speech synthesis is non-degradable and down on every attempt.
func TestScenarioSpeechFailure(t *testing.T) {
	f := &fakes{}
	f.speechDown.Store(true)
	engine, _ := newEngine(t, f)

	record, err := engine.Run(context.Background(), request)
	var runErr *podflow.RunError
	require.ErrorAs(t, err, &runErr)
	require.Equal(t, StageTTS, runErr.Record.Stage)
	require.Equal(t, podflow.ErrorKindUnavailable, runErr.Kind())

	require.Equal(t, podflow.RunFailed, record.Status)
	require.Equal(t, int32(2), f.speechCalls.Load())
	require.NotContains(t, record.Artifacts, ArtifactAudio)
	require.Len(t, record.Errors, 1)
	require.True(t, record.Errors[0].Terminal)
	require.Equal(t, StageTTS, record.Errors[0].Stage)
}

// Resuming from the script writer reuses every upstream output.
func TestScenarioResumeFromScriptWriter(t *testing.T) {
	ctx := context.Background()
	f := &fakes{}
	f.speechDown.Store(true)
	engine, _ := newEngine(t, f)

	first, err := engine.Run(ctx, request)
	require.Error(t, err)
	require.Equal(t, podflow.RunFailed, first.Status)

	f.speechDown.Store(false)
	second, err := engine.Resume(ctx, first.RunID, StageScriptWriter)
	require.NoError(t, err)
	require.Equal(t, podflow.RunCompleted, second.Status)
	require.Equal(t, first.RunID, second.RunID)

	for _, stage := range []string{StagePersonalize, StageSearch, StageQueryWriter, StageDBConstructor, StageResearcher, StageCritic, StageReporter} {
		require.JSONEq(t, string(output(t, first, stage)), string(output(t, second, stage)), stage)
		require.Equal(t, string(output(t, first, stage)), string(output(t, second, stage)), stage)
	}
	require.NotEqual(t, string(output(t, first, StageScriptWriter)), string(output(t, second, StageScriptWriter)))
	require.Equal(t, "Script take 2 about agents.", second.Artifacts[ArtifactScript])
	require.Equal(t, int32(1), f.searchCalls.Load())

	// The original failure stays in the error history.
	require.Len(t, second.Errors, 1)
	require.Equal(t, StageTTS, second.Errors[0].Stage)
}

// Resuming twice from the same stage with the same responses gives the same
// artifacts and leaves upstream outputs untouched.
func TestResumeFromScriptWriterTwice(t *testing.T) {
	ctx := context.Background()
	f := &fakes{fixedScript: true}
	engine, _ := newEngine(t, f)

	first, err := engine.Run(ctx, request)
	require.NoError(t, err)
	second, err := engine.Resume(ctx, first.RunID, StageScriptWriter)
	require.NoError(t, err)
	third, err := engine.Resume(ctx, first.RunID, StageScriptWriter)
	require.NoError(t, err)

	require.Equal(t, podflow.RunCompleted, third.Status)
	require.Equal(t, second.Artifacts, third.Artifacts)
	require.Equal(t, first.Artifacts, third.Artifacts)
	require.Len(t, third.Outputs, len(second.Outputs))
	for _, out := range second.Outputs {
		require.Equal(t, string(output(t, second, out.Stage)), string(output(t, third, out.Stage)), out.Stage)
	}
	for _, stage := range []string{StagePersonalize, StageSearch, StageQueryWriter, StageDBConstructor, StageResearcher, StageCritic, StageReporter} {
		require.Equal(t, string(output(t, first, stage)), string(output(t, third, stage)), stage)
	}
	require.Equal(t, int32(1), f.searchCalls.Load())
}

// A resume in a fresh process starts with an empty vector store. The
// researcher rebuilds the collection from the persisted search results.
func TestResearcherRebuildsMissingIndex(t *testing.T) {
	ctx := context.Background()
	f := &fakes{}
	store := podflow.NewMemoryRunStore()
	audioDir := t.TempDir()
	newProcess := func() *podflow.Engine {
		pipeline, err := NewPipeline(f.collaborators(), Options{AudioDir: audioDir})
		require.NoError(t, err)
		engine, err := podflow.NewEngine(podflow.EngineOptions{Pipeline: pipeline, Store: store, Sleep: retry.NoSleep})
		require.NoError(t, err)
		return engine
	}

	first, err := newProcess().RunTo(ctx, request, StageDBConstructor)
	require.NoError(t, err)
	var index struct {
		Index VectorIndex `json:"vector_index"`
	}
	require.NoError(t, json.Unmarshal(output(t, first, StageDBConstructor), &index))
	require.Positive(t, index.Index.Documents)
	require.False(t, index.Index.Offline)

	record, err := newProcess().Resume(ctx, first.RunID, "")
	require.NoError(t, err)
	require.Equal(t, podflow.RunCompleted, record.Status)
	require.Empty(t, record.Errors)
	for _, stage := range record.Stages {
		require.Equal(t, podflow.StageSucceeded, stage.Status, stage.Name)
	}
	require.Contains(t, string(output(t, record, StageResearcher)), "https://example.com/agents")
	require.Equal(t, string(output(t, first, StageDBConstructor)), string(output(t, record, StageDBConstructor)))
}

func TestIndexCleanupDropsTerminalRuns(t *testing.T) {
	ctx := context.Background()
	f := &fakes{}
	c := f.collaborators()
	vectors := c.VectorStore.(*vectorstore.Store)
	pipeline, err := NewPipeline(c, Options{AudioDir: t.TempDir()})
	require.NoError(t, err)
	engine, err := podflow.NewEngine(podflow.EngineOptions{
		Pipeline:  pipeline,
		Sleep:     retry.NoSleep,
		Callbacks: NewIndexCleanup(vectors),
	})
	require.NoError(t, err)

	halted, err := engine.RunTo(ctx, request, StageDBConstructor)
	require.NoError(t, err)
	require.Positive(t, vectors.Len(collectionName(halted.RunID)))

	record, err := engine.Resume(ctx, halted.RunID, "")
	require.NoError(t, err)
	require.Equal(t, podflow.RunCompleted, record.Status)
	require.Equal(t, 0, vectors.Len(collectionName(halted.RunID)))
}

func TestPersonalizeToleratesMissingSource(t *testing.T) {
	f := &fakes{}
	f.mailDown.Store(true)
	engine, _ := newEngine(t, f)

	record, err := engine.RunTo(context.Background(), request, StagePersonalize)
	require.NoError(t, err)
	require.Equal(t, podflow.RunRunning, record.Status)

	var profile UserProfile
	require.NoError(t, json.Unmarshal(output(t, record, StagePersonalize), &struct {
		Profile *UserProfile `json:"user_profile"`
	}{&profile}))
	require.Equal(t, []string{"mailbox"}, profile.Missing)
	require.Equal(t, map[string]int{"chat_history": 1, "documents": 1}, profile.Sources)
	require.Contains(t, profile.Interests, "reasoning")
	require.Empty(t, record.Errors)
}

func TestPersonalizeAllSourcesFail(t *testing.T) {
	pipeline, err := NewPipeline(Collaborators{}, Options{})
	require.NoError(t, err)
	engine, err := podflow.NewEngine(podflow.EngineOptions{Pipeline: pipeline, Sleep: retry.NoSleep})
	require.NoError(t, err)

	record, err := engine.RunTo(context.Background(), "tide pools of the pacific", StagePersonalize)
	require.NoError(t, err)
	require.Equal(t, podflow.StageSucceededDegraded, record.Stages[0].Status)
	require.Equal(t, 3, record.Stages[0].Attempts)

	var profile UserProfile
	require.NoError(t, json.Unmarshal(output(t, record, StagePersonalize), &struct {
		Profile *UserProfile `json:"user_profile"`
	}{&profile}))
	require.Equal(t, []string{"chat_history", "documents", "mailbox"}, profile.Missing)
	require.Equal(t, []string{"tide", "pools", "pacific"}, profile.Interests)
}

func TestFallbackScriptTemplate(t *testing.T) {
	f := &fakes{}
	c := f.collaborators()
	c.LLM = nil
	pipeline, err := NewPipeline(c, Options{
		FallbackScript: "Briefing on ${request}: ${summary}",
		AudioDir:       t.TempDir(),
	})
	require.NoError(t, err)
	engine, err := podflow.NewEngine(podflow.EngineOptions{Pipeline: pipeline, Sleep: retry.NoSleep})
	require.NoError(t, err)

	record, err := engine.Run(context.Background(), request)
	require.NoError(t, err)
	require.Equal(t, podflow.RunCompleted, record.Status)
	script := record.Artifacts[ArtifactScript].(string)
	require.True(t, strings.HasPrefix(script, "Briefing on AI research trends: Here is what recent sources say"), script)
	require.Contains(t, record.Artifacts[ArtifactReport], "Quality score: 0.00")

	degraded := map[string]bool{}
	for _, e := range record.Errors {
		degraded[e.Stage] = true
	}
	require.Equal(t, map[string]bool{
		StageQueryWriter: true, StageResearcher: true, StageCritic: true,
		StageScriptWriter: true, StageReporter: true,
	}, degraded)
}

func TestKeywords(t *testing.T) {
	require.Equal(t, []string{"agents", "tools"}, keywords(2, "Agents and tools", "agents use the tools; agents"))
	require.Empty(t, keywords(3, "the and of"))
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Score float64 `json:"score"`
	}
	require.NoError(t, decodeJSON("Sure! ```json\n{\"score\": 0.5,}\n```", &v))
	require.Equal(t, 0.5, v.Score)
	require.Error(t, decodeJSON("no json here", &v))
}

func TestChunk(t *testing.T) {
	chunks := chunk("one two three four five six", 10)
	require.Equal(t, []string{"one two", "three four", "five six"}, chunks)
	require.Empty(t, chunk("   ", 10))
}
