package model

import "time"

// Memory is a content-addressed piece of retrievable knowledge with an
// embedding, metadata, decay-relevant timestamps, and optional temporal
// validity window.
type Memory struct {
	ID            string            `json:"id"`
	ProjectKey    string            `json:"project_key"`
	Content       string            `json:"content"`
	Collection    string            `json:"collection"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	AutoTags      []string          `json:"auto_tags,omitempty"`
	Embedding     []float32         `json:"-"`
	Confidence    float64           `json:"confidence"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	ValidFrom     *time.Time        `json:"valid_from,omitempty"`
	ValidUntil    *time.Time        `json:"valid_until,omitempty"`
	SupersededBy  string            `json:"superseded_by,omitempty"`
	AccessCount   int               `json:"access_count"`
	LastAccessed  *time.Time        `json:"last_accessed,omitempty"`
}

// MemoryLink is a directed edge between two memories (e.g. "related").
type MemoryLink struct {
	Source   string  `json:"source"`
	Target   string  `json:"target"`
	LinkType string  `json:"link_type"`
	Strength float64 `json:"strength"`
}

// Entity is a named thing extracted from memory content.
type Entity struct {
	ID         string `json:"id"`
	ProjectKey string `json:"project_key"`
	Name       string `json:"name"`
	EntityType string `json:"entity_type"`
}

// RelationshipEdge is a subject-predicate-object fact linked to the memory
// it was extracted from.
type RelationshipEdge struct {
	ID             int64   `json:"id"`
	SubjectEntity  string  `json:"subject_entity"`
	Predicate      string  `json:"predicate"`
	ObjectEntity   string  `json:"object_entity"`
	Confidence     float64 `json:"confidence"`
	MemoryID       string  `json:"memory_id"`
}

// SearchResult wraps a Memory with its decayed relevance score.
type SearchResult struct {
	Memory Memory  `json:"memory"`
	Score  float64 `json:"score"`
	RawScore float64 `json:"raw_score"`
	DecayFactor float64 `json:"decay_factor"`
	Degraded bool `json:"degraded,omitempty"` // true if FTS fallback was used
}

// DecayTier filters Memory.Find by recency.
type DecayTier string

const (
	DecayHot  DecayTier = "hot"
	DecayWarm DecayTier = "warm"
	DecayAll  DecayTier = "all"
)

// UpsertOperation is the outcome classification of a smart upsert.
type UpsertOperation string

const (
	OpAdd    UpsertOperation = "ADD"
	OpUpdate UpsertOperation = "UPDATE"
	OpDelete UpsertOperation = "DELETE"
	OpNoop   UpsertOperation = "NOOP"
)

// UpsertResult is returned by Memory.Upsert.
type UpsertResult struct {
	ID        string          `json:"id"`
	Operation UpsertOperation `json:"operation"`
	Reason    string          `json:"reason,omitempty"`
}

// KnowledgeGraph is the result of Memory.GetKnowledgeGraph.
type KnowledgeGraph struct {
	Entities      []Entity           `json:"entities"`
	Relationships []RelationshipEdge `json:"relationships"`
}

// StoreOptions configures Memory.Store.
type StoreOptions struct {
	Collection      string
	Tags            []string
	Metadata        map[string]string
	Confidence      float64
	AutoTag         bool
	AutoLink        bool
	ExtractEntities bool
}

// FindOptions configures Memory.Find.
type FindOptions struct {
	Limit       int
	Collection  string
	Expand      bool
	FTS         bool
	DecayTier   DecayTier
	TrackAccess bool
}

// UpsertOptions configures Memory.Upsert.
type UpsertOptions struct {
	Collection    string
	Tags          []string
	Metadata      map[string]string
	Confidence    float64
	UseSmartOps   bool
}
