package models

import (
	"errors"
	"time"
)

type Document struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	SourceLabel string    `json:"source_label"`
	BlobKey     *string   `json:"blob_key,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ChunkInput is a chunker output awaiting embedding.
type ChunkInput struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
}

type Chunk struct {
	ID         string
	DocumentID string
	Index      int
	Text       string
	Embedding  []float32
	Metadata   map[string]any
	CreatedAt  time.Time
}

// SearchResult scores are (1+cos)/2, so 1.0 means identical direction.
type SearchResult struct {
	Text     string         `json:"text"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type SchemaSnapshot struct {
	Labels            []string `json:"labels"`
	RelationshipTypes []string `json:"relationship_types"`
	PropertyKeys      []string `json:"property_keys"`
}

func (s SchemaSnapshot) HasLabel(label string) bool {
	return contains(s.Labels, label)
}

func (s SchemaSnapshot) HasRelationshipType(relType string) bool {
	return contains(s.RelationshipTypes, relType)
}

func contains(values []string, v string) bool {
	for _, value := range values {
		if value == v {
			return true
		}
	}
	return false
}

// Entity.ID is empty until the node exists in the graph.
type Entity struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name" validate:"required"`
	Label string `json:"label" validate:"required"`
	IsNew bool   `json:"is_new"`
}

// EntityRef points at a persisted entity by ID or at a proposed one by Name.
type EntityRef struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

func (r EntityRef) String() string {
	if r.ID != "" {
		return r.ID
	}
	return r.Name
}

type Relationship struct {
	ID     string    `json:"id,omitempty"`
	Source EntityRef `json:"source"`
	Target EntityRef `json:"target"`
	Type   string    `json:"type" validate:"required"`
}

type SchemaElementKind string

const (
	SchemaElementEntityLabel      SchemaElementKind = "entity_label"
	SchemaElementRelationshipType SchemaElementKind = "relationship_type"
)

type SchemaElement struct {
	Kind  SchemaElementKind `json:"kind"`
	Value string            `json:"value"`
}

type ExtractionResult struct {
	ExtractionID      string          `json:"extraction_id"`
	Entities          []Entity        `json:"entities"`
	Relationships     []Relationship  `json:"relationships"`
	NewSchemaElements []SchemaElement `json:"new_schema_elements"`
}

// ApplyReport describes what a graph delta application wrote.
type ApplyReport struct {
	ExtractionID         string                    `json:"extraction_id"`
	CreatedEntities      []Entity                  `json:"created_entities"`
	CreatedRelationships []Relationship            `json:"created_relationships"`
	Dangling             []*DanglingReferenceError `json:"-"`
	Failed               []*RelationshipWriteError `json:"-"`
}

// Err joins the dangling references and failed relationship writes, or
// returns nil when there were none.
func (r *ApplyReport) Err() error {
	if r == nil || len(r.Dangling)+len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Dangling)+len(r.Failed))
	for _, d := range r.Dangling {
		errs = append(errs, d)
	}
	for _, f := range r.Failed {
		errs = append(errs, f)
	}
	return errors.Join(errs...)
}

// Partial reports whether an Apply error only describes skipped
// relationships, so the rest of the report was written.
func (r *ApplyReport) Partial(err error) bool {
	if r == nil || err == nil {
		return false
	}
	var rwe *RelationshipWriteError
	return errors.Is(err, ErrDanglingReference) || errors.As(err, &rwe)
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content"`
}

type ChatResponse struct {
	Reply          string    `json:"reply"`
	UpdatedHistory []Message `json:"updated_history"`
	ContextCount   int       `json:"context_count"`
}

type StoreOutcome struct {
	Store  string `json:"store"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// IngestionRecord is one ledger row per ingested document.
type IngestionRecord struct {
	DocumentID string         `json:"document_id"`
	SourceName string         `json:"source_name"`
	Title      string         `json:"title"`
	ChunkCount int            `json:"chunk_count"`
	Outcomes   []StoreOutcome `json:"outcomes"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Consistent reports whether every store accepted the document.
func (r IngestionRecord) Consistent() bool {
	for _, o := range r.Outcomes {
		if o.Status != OutcomeOK {
			return false
		}
	}
	return true
}

type ChatRecord struct {
	ID           string    `json:"id"`
	Query        string    `json:"query"`
	ReplyChars   int       `json:"reply_chars"`
	ContextCount int       `json:"context_count"`
	LatencyMS    int       `json:"latency_ms"`
	CreatedAt    time.Time `json:"created_at"`
}
