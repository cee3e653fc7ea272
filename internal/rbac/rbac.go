// Package rbac holds the static role/permission matrix shared by the API
// surface and the approval gate. The matrix is intentionally explicit so a
// reader can audit who may do what without chasing indirection.
package rbac

import (
	"strings"

	"github.com/weftwork/weft/pkg/schema"
)

// Roles, strongest first.
const (
	RoleAdmin    = "admin"
	RoleBuilder  = "builder"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Entities the matrix covers.
const (
	EntityTenant          = "tenant"
	EntityUser            = "user"
	EntityWorkflow        = "workflow"
	EntityWorkflowVersion = "workflow_version"
	EntityRun             = "run"
	EntityStep            = "step"
	EntityReviewTask      = "review_task"
	EntityArtifact        = "artifact"
	EntityAuditEvent      = "audit_event"
	EntityCredential      = "credential"
)

// Actions.
const (
	ActionCreate   = "create"
	ActionRead     = "read"
	ActionUpdate   = "update"
	ActionDelete   = "delete"
	ActionPublish  = "publish"
	ActionRollback = "rollback"
	ActionRun      = "run"
	ActionRetry    = "retry"
	ActionCancel   = "cancel"
	ActionApprove  = "approve"
	ActionReject   = "reject"
	ActionDownload = "download"
	ActionManage   = "manage_credentials"
)

type actionSet map[string]struct{}

func actions(names ...string) actionSet {
	s := make(actionSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

var crud = actions(ActionCreate, ActionRead, ActionUpdate, ActionDelete)

var matrix = map[string]map[string]actionSet{
	EntityTenant: {
		RoleAdmin: crud,
	},
	EntityUser: {
		RoleAdmin: crud,
	},
	EntityWorkflow: {
		RoleAdmin:    actions(ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionPublish, ActionRollback),
		RoleBuilder:  actions(ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionPublish),
		RoleOperator: actions(ActionRead),
		RoleViewer:   actions(ActionRead),
	},
	EntityWorkflowVersion: {
		RoleAdmin:    actions(ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionPublish, ActionRollback),
		RoleBuilder:  actions(ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionPublish),
		RoleOperator: actions(ActionRead),
		RoleViewer:   actions(ActionRead),
	},
	EntityRun: {
		RoleAdmin:    actions(ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionRun, ActionRetry, ActionCancel),
		RoleBuilder:  actions(ActionCreate, ActionRead, ActionRun, ActionRetry, ActionCancel),
		RoleOperator: actions(ActionRead, ActionRun, ActionRetry, ActionCancel),
		RoleViewer:   actions(ActionRead),
	},
	EntityStep: {
		RoleAdmin:    actions(ActionRead),
		RoleBuilder:  actions(ActionRead),
		RoleOperator: actions(ActionRead),
		RoleViewer:   actions(ActionRead),
	},
	EntityReviewTask: {
		RoleAdmin:    actions(ActionRead, ActionApprove, ActionReject),
		RoleOperator: actions(ActionRead, ActionApprove, ActionReject),
	},
	EntityArtifact: {
		RoleAdmin:    actions(ActionRead, ActionDownload, ActionDelete),
		RoleBuilder:  actions(ActionRead, ActionDownload),
		RoleOperator: actions(ActionRead, ActionDownload),
		RoleViewer:   actions(ActionRead, ActionDownload),
	},
	EntityAuditEvent: {
		RoleAdmin:    actions(ActionRead),
		RoleBuilder:  actions(ActionRead),
		RoleOperator: actions(ActionRead),
	},
	EntityCredential: {
		RoleAdmin:    actions(ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionManage),
		RoleBuilder:  actions(ActionCreate, ActionRead, ActionUpdate, ActionManage),
		RoleOperator: actions(ActionRead),
	},
}

// Roles returns the known roles, strongest first.
func Roles() []string {
	return []string{RoleAdmin, RoleBuilder, RoleOperator, RoleViewer}
}

// IsRole reports whether name is a known role.
func IsRole(name string) bool {
	switch strings.ToLower(name) {
	case RoleAdmin, RoleBuilder, RoleOperator, RoleViewer:
		return true
	}
	return false
}

// Allowed reports whether role may perform action on entity. Unknown roles,
// entities, and actions all resolve to false.
func Allowed(role, entity, action string) bool {
	byRole, ok := matrix[entity]
	if !ok {
		return false
	}
	set, ok := byRole[strings.ToLower(role)]
	if !ok {
		return false
	}
	_, ok = set[action]
	return ok
}

// Authorizer decides whether role may perform action on entity. Require is
// the production implementation; tests substitute their own.
type Authorizer func(role, entity, action string) error

// Require returns a PERMISSION_DENIED error unless Allowed passes.
func Require(role, entity, action string) error {
	if Allowed(role, entity, action) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodePermissionDenied,
		"role %q may not %s %s", role, action, entity)
}
