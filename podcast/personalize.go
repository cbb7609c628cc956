package podcast

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/deepnoodle-ai/podflow"
	"github.com/deepnoodle-ai/podflow/collaborators"
	"golang.org/x/sync/errgroup"
)

var personalSources = []string{"chat_history", "documents", "mailbox"}

// severity orders kinds from least to most severe for picking the error
// that represents a set of failed sources.
var severity = map[podflow.ErrorKind]int{
	podflow.ErrorKindUnavailable:  1,
	podflow.ErrorKindRateLimited:  2,
	podflow.ErrorKindInvalidInput: 3,
	podflow.ErrorKindUnauthorized: 4,
}

func (p *stages) source(name string) podflow.Collaborator {
	switch name {
	case "chat_history":
		return p.c.ChatHistory
	case "documents":
		return p.c.Documents
	default:
		return p.c.Mailbox
	}
}

// personalize reads the three personal data sources concurrently. A source
// that fails is recorded as missing; the stage fails only when all do.
func (p *stages) personalize(ctx context.Context, in podflow.Input) (podflow.Output, error) {
	logger := podflow.LoggerFromContext(ctx)
	request := in.Request()

	var mu sync.Mutex
	responses := map[string]collaborators.FetchResponse{}
	failures := map[string]*podflow.Error{}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range personalSources {
		g.Go(func() error {
			resp, err := podflow.Call[collaborators.FetchResponse](gctx, p.source(name), collaborators.OpFetch,
				collaborators.FetchRequest{Query: request})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[name] = podflow.ClassifyError(err)
				return nil
			}
			responses[name] = resp
			return nil
		})
	}
	g.Wait()

	if len(failures) == len(personalSources) {
		var worst *podflow.Error
		for _, name := range personalSources {
			if failure := failures[name]; worst == nil || severity[failure.Kind] > severity[worst.Kind] {
				worst = failure
			}
		}
		return nil, &podflow.Error{
			Kind:    worst.Kind,
			Cause:   fmt.Sprintf("all personal data sources failed: %s", worst.Cause),
			Wrapped: worst,
		}
	}

	profile := UserProfile{Sources: map[string]int{}}
	texts := []string{request}
	for _, name := range personalSources {
		resp, ok := responses[name]
		if !ok {
			logger.Warn("personal data source unavailable", "source", name, "error", failures[name].Cause)
			profile.Missing = append(profile.Missing, name)
			continue
		}
		profile.Sources[name] = len(resp.Items)
		for _, item := range resp.Items {
			texts = append(texts, item.Title, item.Text)
		}
	}
	profile.Interests = keywords(8, texts...)
	profile.Summary = profileSummary(profile)
	return podflow.Output{FieldUserProfile: profile}, nil
}

// personalizeFallback builds a profile from the request alone.
func (p *stages) personalizeFallback(in podflow.Input) (podflow.Output, error) {
	profile := UserProfile{
		Interests: keywords(8, in.Request()),
		Sources:   map[string]int{},
		Missing:   append([]string(nil), personalSources...),
	}
	profile.Summary = profileSummary(profile)
	return podflow.Output{FieldUserProfile: profile}, nil
}

func profileSummary(profile UserProfile) string {
	if len(profile.Interests) == 0 {
		return "No listener interests are known."
	}
	return "The listener is interested in " + strings.Join(profile.Interests, ", ") + "."
}
