package mcp

import (
	"context"
	"fmt"
	"strings"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"worldforge/internal/entity"
	"worldforge/internal/graph"
	"worldforge/internal/mirror"
	"worldforge/internal/recovery"
	"worldforge/internal/template"
	"worldforge/internal/world"
)

type CreateEntityInput struct {
	TemplateID string         `json:"template_id" jsonschema:"template to create the entity from, e.g. god-profile"`
	Data       map[string]any `json:"data" jsonschema:"entity fields; must satisfy the template"`
}

type UpdateEntityInput struct {
	ID   string         `json:"id" jsonschema:"entity id"`
	Data map[string]any `json:"data" jsonschema:"fields to merge; null removes a field"`
}

type GetEntityInput struct {
	ID string `json:"id" jsonschema:"entity id"`
}

type SearchEntitiesInput struct {
	Query string `json:"query" jsonschema:"full-text search terms; supports quotes, OR and -negation"`
	Type  string `json:"type,omitempty" jsonschema:"restrict to an entity type"`
}

type ListEntitiesInput struct {
	Type   string `json:"type,omitempty" jsonschema:"entity type filter"`
	Status string `json:"status,omitempty" jsonschema:"draft or canon"`
	Step   int    `json:"step,omitempty" jsonschema:"step the entity was created in"`
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum rows, default 100"`
}

type GetCrossReferencesInput struct {
	ID string `json:"id" jsonschema:"entity id"`
}

type GraphNeighborsInput struct {
	ID    string `json:"id" jsonschema:"starting entity id"`
	Depth int    `json:"depth,omitempty" jsonschema:"maximum hops, default 1"`
}

type GraphStatsInput struct{}

type RecordDecisionInput struct {
	Step      int      `json:"step" jsonschema:"worldbuilding step the decision belongs to"`
	Decision  string   `json:"decision" jsonschema:"what was decided"`
	Rationale string   `json:"rationale,omitempty" jsonschema:"why"`
	Entities  []string `json:"entities,omitempty" jsonschema:"entity ids the decision touches"`
}

type HealthCheckInput struct{}

type EntityOutput struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	TemplateID  string              `json:"template_id"`
	EntityType  string              `json:"entity_type"`
	Status      string              `json:"status"`
	StepCreated int                 `json:"step_created"`
	FilePath    string              `json:"file_path"`
	Data        map[string]any      `json:"data"`
	CanonClaims []entity.CanonClaim `json:"canon_claims"`
}

type WriteOutput struct {
	ID            string               `json:"id"`
	FilePath      string               `json:"file_path"`
	Snapshot      string               `json:"snapshot,omitempty"`
	NewReferences []template.Reference `json:"new_references"`
	AutoBackup    string               `json:"auto_backup,omitempty"`
}

type EntityListOutput struct {
	Entities []mirror.EntityRow `json:"entities"`
}

type CrossReferencesOutput struct {
	References   []entity.Link `json:"references"`
	ReferencedBy []entity.Link `json:"referenced_by"`
}

type GraphNeighborsOutput struct {
	Neighbors []graph.Neighbor `json:"neighbors"`
}

type RecordDecisionOutput struct {
	Recorded bool `json:"recorded"`
}

type HealthCheckOutput struct {
	Overall string                 `json:"overall"`
	Summary string                 `json:"summary"`
	Checks  []recovery.CheckResult `json:"checks"`
}

func (s *Server) registerTools() {
	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "create_entity",
		Description: "Create a draft entity from a template",
	}, s.handleCreateEntity)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "update_entity",
		Description: "Merge fields into an entity, keeping a snapshot of the previous version",
	}, s.handleUpdateEntity)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "get_entity",
		Description: "Retrieve an entity with its metadata and canon claims",
	}, s.handleGetEntity)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "search_entities",
		Description: "Full-text search across entity names, descriptions and claims",
	}, s.handleSearchEntities)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "list_entities",
		Description: "List entities filtered by type, status or step",
	}, s.handleListEntities)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "get_cross_references",
		Description: "List what an entity references and what references it",
	}, s.handleGetCrossReferences)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "graph_neighbors",
		Description: "Entities within a number of hops in the reference graph",
	}, s.handleGraphNeighbors)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "graph_stats",
		Description: "Size and connectivity of the reference graph",
	}, s.handleGraphStats)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "record_decision",
		Description: "Record a worldbuilding decision in the event ledger",
	}, s.handleRecordDecision)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "health_check",
		Description: "Run every consistency check and summarise the result",
	}, s.handleHealthCheck)
}

func (s *Server) handleCreateEntity(ctx context.Context, req *sdk.CallToolRequest, input CreateEntityInput) (*sdk.CallToolResult, WriteOutput, error) {
	if strings.TrimSpace(input.TemplateID) == "" {
		return nil, WriteOutput{}, fmt.Errorf("template_id is required")
	}
	change, err := s.world.CreateEntity(ctx, input.TemplateID, input.Data)
	if err != nil {
		return nil, WriteOutput{}, err
	}
	return nil, writeOutput(change), nil
}

func (s *Server) handleUpdateEntity(ctx context.Context, req *sdk.CallToolRequest, input UpdateEntityInput) (*sdk.CallToolResult, WriteOutput, error) {
	if input.ID == "" {
		return nil, WriteOutput{}, fmt.Errorf("id is required")
	}
	if len(input.Data) == 0 {
		return nil, WriteOutput{}, fmt.Errorf("data must name at least one field")
	}
	change, err := s.world.UpdateEntity(ctx, input.ID, input.Data)
	if err != nil {
		return nil, WriteOutput{}, err
	}
	return nil, writeOutput(change), nil
}

func (s *Server) handleGetEntity(ctx context.Context, req *sdk.CallToolRequest, input GetEntityInput) (*sdk.CallToolResult, EntityOutput, error) {
	if input.ID == "" {
		return nil, EntityOutput{}, fmt.Errorf("id is required")
	}
	e, err := s.world.Store().Get(input.ID)
	if err != nil {
		return nil, EntityOutput{}, err
	}
	return nil, entityOutput(e), nil
}

func (s *Server) handleSearchEntities(ctx context.Context, req *sdk.CallToolRequest, input SearchEntitiesInput) (*sdk.CallToolResult, EntityListOutput, error) {
	if strings.TrimSpace(input.Query) == "" {
		return nil, EntityListOutput{}, fmt.Errorf("query is required")
	}
	rows, err := s.world.Mirror().Search(ctx, input.Query)
	if err != nil {
		return nil, EntityListOutput{}, err
	}
	out := make([]mirror.EntityRow, 0, len(rows))
	for _, row := range rows {
		if input.Type != "" && row.EntityType != input.Type {
			continue
		}
		out = append(out, row)
	}
	return nil, EntityListOutput{Entities: out}, nil
}

func (s *Server) handleListEntities(ctx context.Context, req *sdk.CallToolRequest, input ListEntitiesInput) (*sdk.CallToolResult, EntityListOutput, error) {
	q := mirror.StructuredQuery{OrderBy: "name", Limit: input.Limit}
	if input.Type != "" {
		q.Filters = append(q.Filters, mirror.Filter{Column: "entity_type", Op: "=", Value: input.Type})
	}
	if input.Status != "" {
		q.Filters = append(q.Filters, mirror.Filter{Column: "status", Op: "=", Value: input.Status})
	}
	if input.Step != 0 {
		q.Filters = append(q.Filters, mirror.Filter{Column: "step_created", Op: "=", Value: input.Step})
	}
	rows, err := s.world.Mirror().Structured(ctx, q)
	if err != nil {
		return nil, EntityListOutput{}, err
	}
	return nil, EntityListOutput{Entities: append([]mirror.EntityRow{}, rows...)}, nil
}

func (s *Server) handleGetCrossReferences(ctx context.Context, req *sdk.CallToolRequest, input GetCrossReferencesInput) (*sdk.CallToolResult, CrossReferencesOutput, error) {
	if input.ID == "" {
		return nil, CrossReferencesOutput{}, fmt.Errorf("id is required")
	}
	set, err := s.world.Store().CrossReferences(input.ID)
	if err != nil {
		return nil, CrossReferencesOutput{}, err
	}
	return nil, CrossReferencesOutput{References: set.References, ReferencedBy: set.ReferencedBy}, nil
}

func (s *Server) handleGraphNeighbors(ctx context.Context, req *sdk.CallToolRequest, input GraphNeighborsInput) (*sdk.CallToolResult, GraphNeighborsOutput, error) {
	if input.ID == "" {
		return nil, GraphNeighborsOutput{}, fmt.Errorf("id is required")
	}
	depth := input.Depth
	if depth == 0 {
		depth = 1
	}
	g := s.world.Graph()
	if err := g.RebuildIfDirty(); err != nil {
		return nil, GraphNeighborsOutput{}, err
	}
	if _, ok := g.Node(input.ID); !ok {
		return nil, GraphNeighborsOutput{}, fmt.Errorf("entity %s is not in the graph", input.ID)
	}
	return nil, GraphNeighborsOutput{Neighbors: append([]graph.Neighbor{}, g.Neighbors(input.ID, depth)...)}, nil
}

func (s *Server) handleGraphStats(ctx context.Context, req *sdk.CallToolRequest, input GraphStatsInput) (*sdk.CallToolResult, graph.Stats, error) {
	g := s.world.Graph()
	if err := g.RebuildIfDirty(); err != nil {
		return nil, graph.Stats{}, err
	}
	return nil, g.Stats(), nil
}

func (s *Server) handleRecordDecision(ctx context.Context, req *sdk.CallToolRequest, input RecordDecisionInput) (*sdk.CallToolResult, RecordDecisionOutput, error) {
	if err := s.world.Ledger().RecordDecision(input.Step, input.Decision, input.Rationale, input.Entities); err != nil {
		return nil, RecordDecisionOutput{}, err
	}
	return nil, RecordDecisionOutput{Recorded: true}, nil
}

func (s *Server) handleHealthCheck(ctx context.Context, req *sdk.CallToolRequest, input HealthCheckInput) (*sdk.CallToolResult, HealthCheckOutput, error) {
	report := s.world.Recovery().GenerateHealthReport(ctx)
	return nil, HealthCheckOutput{
		Overall: string(report.Overall),
		Summary: recovery.FormatForUser(report),
		Checks:  report.Checks,
	}, nil
}

func writeOutput(c *world.Change) WriteOutput {
	out := WriteOutput{
		ID:            c.ID,
		FilePath:      c.Entity.Meta.FilePath,
		Snapshot:      c.Snapshot,
		NewReferences: c.NewReferences,
	}
	if out.NewReferences == nil {
		out.NewReferences = []template.Reference{}
	}
	if c.AutoBackup != nil {
		out.AutoBackup = c.AutoBackup.Name
	}
	return out
}

func entityOutput(e *entity.Entity) EntityOutput {
	claims := e.CanonClaims
	if claims == nil {
		claims = []entity.CanonClaim{}
	}
	data := map[string]any{}
	for k, v := range e.Data {
		data[k] = v
	}
	return EntityOutput{
		ID:          e.ID,
		Name:        e.Name(),
		TemplateID:  e.Meta.TemplateID,
		EntityType:  e.Meta.EntityType,
		Status:      e.Meta.Status,
		StepCreated: e.Meta.StepCreated,
		FilePath:    e.Meta.FilePath,
		Data:        data,
		CanonClaims: claims,
	}
}
