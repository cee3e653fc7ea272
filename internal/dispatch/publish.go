package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/weftwork/weft/internal/plan"
	"github.com/weftwork/weft/internal/rbac"
	"github.com/weftwork/weft/internal/store"
	"github.com/weftwork/weft/pkg/schema"
)

// ScheduleRegistrar receives newly published versions so their schedule
// triggers start firing. Satisfied by ScheduleSource.
type ScheduleRegistrar interface {
	RegisterVersion(rec *store.VersionRecord) (int, error)
}

// VersionPublisher validates workflow definitions and persists them as
// immutable versions. A definition that fails plan construction, parameter
// schemas included, is never persisted.
type VersionPublisher struct {
	store     store.Store
	catalog   plan.TypeCatalog
	params    plan.ParamValidator
	schedules ScheduleRegistrar
	logger    *slog.Logger
}

// NewVersionPublisher wires a publisher. schedules may be nil when no cron
// source is running.
func NewVersionPublisher(s store.Store, catalog plan.TypeCatalog, params plan.ParamValidator, schedules ScheduleRegistrar, logger *slog.Logger) *VersionPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &VersionPublisher{
		store:     s,
		catalog:   catalog,
		params:    params,
		schedules: schedules,
		logger:    logger.With("component", "publish"),
	}
}

// PublishRequest describes one version to publish.
type PublishRequest struct {
	TenantID    string                 `json:"tenant_id"`
	WorkflowID  string                 `json:"workflow_id,omitempty"`
	Name        string                 `json:"name"`
	Definition  schema.WorkflowVersion `json:"definition"`
	PublishedBy string                 `json:"published_by,omitempty"`
	Role        string                 `json:"role,omitempty"` // empty for system callers
}

// Publish validates req.Definition and persists it as a new immutable
// version. The definition's graph must build cleanly; any graph or
// parameter-schema error aborts the publish.
func (p *VersionPublisher) Publish(ctx context.Context, req *PublishRequest) (*store.VersionRecord, error) {
	if req.Role != "" {
		if err := rbac.Require(req.Role, rbac.EntityWorkflowVersion, rbac.ActionPublish); err != nil {
			return nil, err
		}
	}
	if req.TenantID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "tenant id is required")
	}

	def := req.Definition
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	if req.WorkflowID == "" {
		req.WorkflowID = uuid.New().String()
	}
	def.WorkflowID = req.WorkflowID
	def.TenantID = req.TenantID
	def.PublishedAt = time.Now().UTC()

	if _, err := plan.Build(&def, p.catalog, p.params); err != nil {
		return nil, err
	}

	rec := &store.VersionRecord{
		ID:          def.ID,
		WorkflowID:  def.WorkflowID,
		TenantID:    req.TenantID,
		Name:        req.Name,
		Definition:  def,
		PublishedBy: req.PublishedBy,
		PublishedAt: def.PublishedAt,
	}
	if err := p.store.PutVersion(ctx, rec); err != nil {
		return nil, err
	}

	if p.schedules != nil {
		n, err := p.schedules.RegisterVersion(rec)
		if err != nil {
			p.logger.WarnContext(ctx, "schedule registration failed",
				"tenant_id", rec.TenantID, "version_id", rec.ID, "error", err)
		} else if n > 0 {
			p.logger.InfoContext(ctx, "schedule triggers registered",
				"tenant_id", rec.TenantID, "version_id", rec.ID, "count", n)
		}
	}

	p.logger.InfoContext(ctx, "version published",
		"tenant_id", rec.TenantID, "workflow_id", rec.WorkflowID,
		"version_id", rec.ID, "name", rec.Name, "published_by", rec.PublishedBy)
	return rec, nil
}
