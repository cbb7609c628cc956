package podcast

import (
	"context"

	"github.com/deepnoodle-ai/podflow"
)

// Dropper is implemented by vector stores that can discard a collection.
type Dropper interface {
	Drop(collection string)
}

// IndexCleanup drops a run's vector collection once the run is completed
// or failed. Halted runs keep their index for a later resume. A resumed
// run whose collection was dropped rebuilds it from the search results.
type IndexCleanup struct {
	podflow.BaseCallbacks
	store Dropper
}

var _ podflow.Callbacks = (*IndexCleanup)(nil)

// NewIndexCleanup returns callbacks that drop collections from store.
func NewIndexCleanup(store Dropper) *IndexCleanup {
	return &IndexCleanup{store: store}
}

func (c *IndexCleanup) AfterRun(ctx context.Context, event *podflow.RunEvent) {
	if event.Status.Terminal() {
		c.store.Drop(collectionName(event.RunID))
	}
}
