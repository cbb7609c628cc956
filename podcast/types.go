package podcast

import (
	"github.com/deepnoodle-ai/podflow/collaborators"
)

// Stage names, in declaration order.
const (
	StagePersonalize   = "personalize"
	StageSearch        = "search"
	StageQueryWriter   = "query_writer"
	StageDBConstructor = "db_constructor"
	StageResearcher    = "researcher"
	StageCritic        = "critic"
	StageScriptWriter  = "script_writer"
	StageReporter      = "reporter"
	StageTTS           = "tts"
)

// Fields produced by the stages.
const (
	FieldUserProfile     = "user_profile"
	FieldSearchResults   = "search_results"
	FieldRAGQueries      = "rag_queries"
	FieldSearchScope     = "search_scope"
	FieldVectorIndex     = "vector_index"
	FieldResearchResult  = "research_result"
	FieldResearchSources = "research_sources"
	FieldQualityScore    = "quality_score"
	FieldCriticFeedback  = "critic_feedback"
	FieldApproved        = "approved"
	FieldPodcastScript   = "podcast_script"
	FieldReport          = "report"
	FieldAudioFile       = "audio_file"
)

// Artifact names of a completed run.
const (
	ArtifactScript = "script"
	ArtifactAudio  = "audio"
	ArtifactReport = "report"
)

// UserProfile summarizes the listener's interests.
type UserProfile struct {
	Interests []string `json:"interests"`
	Summary   string   `json:"summary"`
	// Sources lists the personal data sources that answered, with the
	// number of items each returned.
	Sources map[string]int `json:"sources"`
	// Missing lists the sources that could not be read.
	Missing []string `json:"missing,omitempty"`
}

// VectorIndex describes the per-run collection built from search results.
type VectorIndex struct {
	Collection string `json:"collection"`
	Documents  int    `json:"documents"`
	// Offline is set when the index could not be built. Research then works
	// from search snippets alone.
	Offline bool `json:"offline,omitempty"`
}

// ResearchResult is the synthesized research used for writing.
type ResearchResult struct {
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"key_points"`
}

// Source is a passage or page the research drew on.
type Source struct {
	ID    string  `json:"id"`
	URL   string  `json:"url,omitempty"`
	Title string  `json:"title,omitempty"`
	Score float64 `json:"score"`
}

// SearchResults is the output of the search stage.
type SearchResults = []collaborators.SearchResult
