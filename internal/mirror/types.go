package mirror

import "context"

type Row struct {
	ID          string
	Name        string
	EntityType  string
	TemplateID  string
	Status      string
	StepCreated int
	CreatedAt   string
	UpdatedAt   string
	FilePath    string
	Tags        string
	Description string
	ClaimsText  string
	Data        string
}

type Claim struct {
	EntityID   string
	Position   int
	Claim      string
	References []string
}

type CrossRef struct {
	SourceID         string
	TargetID         string
	RelationshipType string
	SourceField      string
}

type Record struct {
	Row       Row
	Claims    []Claim
	CrossRefs []CrossRef
}

type EntityRow struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	EntityType  string `json:"entity_type"`
	TemplateID  string `json:"template_id"`
	Status      string `json:"status"`
	StepCreated int    `json:"step_created"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
	FilePath    string `json:"file_path"`
}

type CrossRefRow struct {
	Direction        string `json:"direction"`
	SourceID         string `json:"source_id"`
	TargetID         string `json:"target_id"`
	RelationshipType string `json:"relationship_type"`
	SourceField      string `json:"source_field"`
	OtherName        string `json:"other_name"`
	OtherType        string `json:"other_type"`
	Exists           bool   `json:"exists"`
}

type ClaimRow struct {
	EntityID   string   `json:"entity_id"`
	Claim      string   `json:"claim"`
	References []string `json:"references"`
}

type Stats struct {
	TotalEntities  int            `json:"total_entities"`
	ByType         map[string]int `json:"by_type"`
	ByStatus       map[string]int `json:"by_status"`
	CrossReference int            `json:"cross_references"`
	Claims         int            `json:"claims"`
}

const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
)

// Store is a relational backend for the mirror. Every write method runs in
// a single transaction across the entity, cross-reference, claim and
// full-text structures.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Replace(ctx context.Context, records []Record) error
	Upsert(ctx context.Context, record Record) error
	Delete(ctx context.Context, id string) error
	Search(ctx context.Context, text string) ([]EntityRow, error)
	Structured(ctx context.Context, q StructuredQuery) ([]EntityRow, error)
	CrossReferences(ctx context.Context, id string) ([]CrossRefRow, error)
	Claims(ctx context.Context, entityID, keyword string) ([]ClaimRow, error)
	ReadOnly(ctx context.Context, query string, args ...any) ([]map[string]any, error)
	Stats(ctx context.Context) (*Stats, error)
	EntityIDs(ctx context.Context) ([]string, error)
	Close(ctx context.Context) error
}
