// Package resolver maps an authenticated identity to the tenant it is
// working in and gates requests on that tenant's readiness.
package resolver

import (
	"context"

	coreerrors "tenantgate/internal/core/errors"
	"tenantgate/internal/pool"
	"tenantgate/internal/tenant"
)

// Outcome 解析结果类型
type Outcome int

const (
	Unresolved Outcome = iota
	Resolved
	NotReady
)

func (o Outcome) String() string {
	switch o {
	case Resolved:
		return "resolved"
	case NotReady:
		return "not_ready"
	default:
		return "unresolved"
	}
}

// ReasonNotFound is reported when the selected tenant is not in the directory
const ReasonNotFound = "not_found"

// UserSummary is the part of the identity handlers may show
type UserSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

// TenantContext is attached to a request once its tenant is resolved
type TenantContext struct {
	TenantID        string
	IsolationKey    string
	Target          pool.Target
	User            UserSummary
	SuperAdmin      bool
	MaintenanceMode bool
}

// Result of Resolve
type Result struct {
	Outcome  Outcome
	Context  *TenantContext
	TenantID string
	Reason   string
}

// Directory is the read side of the tenant registry. Resolve only reads the
// current snapshot; unknown tenants appear after the background refresh or a
// tenant.changed notification.
type Directory interface {
	Lookup(id string) (tenant.Descriptor, error)
}

// Resolver only reads the directory; safe to call on every request
type Resolver struct {
	directory Directory
}

func New(directory Directory) *Resolver {
	return &Resolver{directory: directory}
}

// Resolve picks the claimed tenant, else the identity's default, and
// checks it can be served
func (r *Resolver) Resolve(ctx context.Context, identity *Identity) Result {
	if identity == nil {
		return Result{Outcome: Unresolved}
	}

	tenantID := identity.ClaimedTenantID
	if tenantID == "" {
		tenantID = identity.DefaultTenantID
	}
	if tenantID == "" {
		return Result{Outcome: Unresolved}
	}

	d, err := r.directory.Lookup(tenantID)
	if err != nil {
		reason := ReasonNotFound
		if !coreerrors.IsNotFound(err) {
			reason = "lookup_failed"
		}
		return Result{Outcome: NotReady, TenantID: tenantID, Reason: reason}
	}
	if reason := d.NotReadyReason(); reason != "" {
		return Result{Outcome: NotReady, TenantID: tenantID, Reason: reason}
	}

	return Result{
		Outcome:  Resolved,
		TenantID: tenantID,
		Context: &TenantContext{
			TenantID:     d.ID,
			IsolationKey: d.IsolationKey,
			Target:       d.Target,
			User: UserSummary{
				ID:          identity.UserID,
				DisplayName: identity.DisplayName,
				Role:        identity.Role,
			},
			SuperAdmin:      identity.SuperAdmin,
			MaintenanceMode: d.MaintenanceMode,
		},
	}
}
