package podcast

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/deepnoodle-ai/podflow"
	"github.com/deepnoodle-ai/podflow/collaborators"
)

const scriptWriterPrompt = `You write scripts for short personalized podcast
episodes read by a single host. Write plain spoken text without stage
directions, tailored to the listener, and address the reviewer's feedback.`

const reporterPrompt = `You write concise research reports in markdown with a
title, an overview, key findings, and a note on research quality.`

func (p *stages) writeScript(ctx context.Context, in podflow.Input) (podflow.Output, error) {
	result, err := podflow.Field[ResearchResult](in, FieldResearchResult)
	if err != nil {
		return nil, err
	}
	feedback := podflow.FieldOr(in, FieldCriticFeedback, "")
	profile := podflow.FieldOr(in, FieldUserProfile, UserProfile{})

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Topic: %s\nListener: %s\n\nResearch:\n%s\n", in.Request(), profile.Summary, result.Summary)
	for _, point := range result.KeyPoints {
		fmt.Fprintf(&prompt, "- %s\n", point)
	}
	if feedback != "" {
		fmt.Fprintf(&prompt, "\nReviewer feedback: %s\n", feedback)
	}
	resp, err := podflow.Call[collaborators.CompletionResponse](ctx, p.c.LLM, collaborators.OpComplete,
		collaborators.Prompt(scriptWriterPrompt, prompt.String()))
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return nil, podflow.Unavailable("llm.complete", fmt.Errorf("model returned an empty script"))
	}
	return podflow.Output{FieldPodcastScript: text}, nil
}

// writeScriptFallback renders the fallback template over the research.
func (p *stages) writeScriptFallback(in podflow.Input) (podflow.Output, error) {
	result := podflow.FieldOr(in, FieldResearchResult, ResearchResult{})
	profile := podflow.FieldOr(in, FieldUserProfile, UserProfile{})
	text, err := p.fallbackScript.Eval(context.Background(), map[string]any{
		"request":   in.Request(),
		"summary":   result.Summary,
		"feedback":  podflow.FieldOr(in, FieldCriticFeedback, ""),
		"interests": strings.Join(profile.Interests, ", "),
	})
	if err != nil {
		return nil, &podflow.Error{
			Kind:    podflow.ErrorKindStageContractViolation,
			Cause:   fmt.Sprintf("fallback script failed: %s", err),
			Wrapped: err,
		}
	}
	return podflow.Output{FieldPodcastScript: strings.TrimSpace(text)}, nil
}

func (p *stages) writeReport(ctx context.Context, in podflow.Input) (podflow.Output, error) {
	result, err := podflow.Field[ResearchResult](in, FieldResearchResult)
	if err != nil {
		return nil, err
	}
	score, err := podflow.Field[float64](in, FieldQualityScore)
	if err != nil {
		return nil, err
	}
	sources := podflow.FieldOr(in, FieldResearchSources, []Source{})

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Topic: %s\nQuality score: %.2f\n\n%s\n", in.Request(), score, result.Summary)
	for _, point := range result.KeyPoints {
		fmt.Fprintf(&prompt, "- %s\n", point)
	}
	for _, source := range sources {
		if source.URL != "" {
			fmt.Fprintf(&prompt, "Source: %s %s\n", source.Title, source.URL)
		}
	}
	resp, err := podflow.Call[collaborators.CompletionResponse](ctx, p.c.LLM, collaborators.OpComplete,
		collaborators.Prompt(reporterPrompt, prompt.String()))
	if err != nil {
		return nil, err
	}
	report := strings.TrimSpace(resp.Content)
	if report == "" {
		return nil, podflow.Unavailable("llm.complete", fmt.Errorf("model returned an empty report"))
	}
	return podflow.Output{FieldReport: report}, nil
}

// writeReportFallback assembles the report from the research directly.
func (p *stages) writeReportFallback(in podflow.Input) (podflow.Output, error) {
	result := podflow.FieldOr(in, FieldResearchResult, ResearchResult{})
	score := podflow.FieldOr(in, FieldQualityScore, 0.0)
	sources := podflow.FieldOr(in, FieldResearchSources, []Source{})

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n## Overview\n\n%s\n", in.Request(), result.Summary)
	if len(result.KeyPoints) > 0 {
		b.WriteString("\n## Key findings\n\n")
		for _, point := range result.KeyPoints {
			fmt.Fprintf(&b, "- %s\n", point)
		}
	}
	if len(sources) > 0 {
		b.WriteString("\n## Sources\n\n")
		for _, source := range sources {
			if source.URL != "" {
				fmt.Fprintf(&b, "- [%s](%s)\n", source.Title, source.URL)
			}
		}
	}
	fmt.Fprintf(&b, "\n## Quality\n\nQuality score: %.2f\n", score)
	return podflow.Output{FieldReport: b.String()}, nil
}

// synthesize converts the script to audio. The stage has no fallback: a run
// without audio fails.
func (p *stages) synthesize(ctx context.Context, in podflow.Input) (podflow.Output, error) {
	text, err := podflow.Field[string](in, FieldPodcastScript)
	if err != nil {
		return nil, err
	}
	req := collaborators.SpeechRequest{
		Text:   text,
		Voice:  p.opts.Voice,
		Format: p.opts.AudioFormat,
	}
	if p.opts.AudioDir != "" {
		req.Path = filepath.Join(p.opts.AudioDir, in.RunID()+"."+p.opts.AudioFormat)
	}
	resp, err := podflow.Call[collaborators.SpeechResponse](ctx, p.c.Speech, collaborators.OpSynthesize, req)
	if err != nil {
		return nil, err
	}
	podflow.LoggerFromContext(ctx).Info("audio synthesized", "path", resp.Path, "bytes", resp.Bytes)
	return podflow.Output{FieldAudioFile: resp.Path}, nil
}
