package podcast

import (
	"context"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/podflow"
	"github.com/deepnoodle-ai/podflow/collaborators"
)

const criticPrompt = `You review research for accuracy, sourcing, consistency,
freshness, and completeness. Score it from 0 to 1 and give short feedback on
what to improve. Answer with a JSON object {"score": 0.0, "feedback": "..."}.`

func (p *stages) critique(ctx context.Context, in podflow.Input) (podflow.Output, error) {
	result, err := podflow.Field[ResearchResult](in, FieldResearchResult)
	if err != nil {
		return nil, err
	}
	sources := podflow.FieldOr(in, FieldResearchSources, []Source{})

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Topic: %s\n\nSummary:\n%s\n\nKey points:\n", in.Request(), result.Summary)
	for _, point := range result.KeyPoints {
		fmt.Fprintf(&prompt, "- %s\n", point)
	}
	fmt.Fprintf(&prompt, "\nSources: %d\n", len(sources))

	req := collaborators.Prompt(criticPrompt, prompt.String())
	req.JSON = true
	resp, err := podflow.Call[collaborators.CompletionResponse](ctx, p.c.LLM, collaborators.OpComplete, req)
	if err != nil {
		return nil, err
	}
	var answer struct {
		Score    *float64 `json:"score"`
		Feedback string   `json:"feedback"`
	}
	if err := decodeJSON(resp.Content, &answer); err != nil || answer.Score == nil {
		return nil, podflow.Unavailable("llm.complete", fmt.Errorf("unreadable critique"))
	}
	score := min(max(*answer.Score, 0), 1)
	approved, err := p.approve(ctx, score, answer.Feedback)
	if err != nil {
		return nil, err
	}
	podflow.LoggerFromContext(ctx).Info("research critiqued", "score", score, "approved", approved)
	return podflow.Output{
		FieldQualityScore:   score,
		FieldCriticFeedback: answer.Feedback,
		FieldApproved:       approved,
	}, nil
}

// critiqueFallback scores the research zero and lets writing proceed
// without feedback.
func (p *stages) critiqueFallback(in podflow.Input) (podflow.Output, error) {
	feedback := "Automatic critique was unavailable."
	approved, err := p.approve(context.Background(), 0, feedback)
	if err != nil {
		return nil, err
	}
	return podflow.Output{
		FieldQualityScore:   0.0,
		FieldCriticFeedback: feedback,
		FieldApproved:       approved,
	}, nil
}

// approve evaluates the quality gate. A gate that cannot be evaluated is a
// configuration error and breaks the stage contract.
func (p *stages) approve(ctx context.Context, score float64, feedback string) (bool, error) {
	ok, err := p.gate.Check(ctx, map[string]any{"score": score, "feedback": feedback})
	if err != nil {
		return false, &podflow.Error{
			Kind:    podflow.ErrorKindStageContractViolation,
			Cause:   fmt.Sprintf("quality gate %q failed: %s", p.gate.String(), err),
			Wrapped: err,
		}
	}
	return ok, nil
}
