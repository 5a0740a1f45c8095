// Package tenant keeps the in-memory directory of tenants (municipalities)
// and their storage targets.
package tenant

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	coreerrors "tenantgate/internal/core/errors"
	"tenantgate/internal/pool"
)

// Status provisioning status of a tenant
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusProvisioning Status = "PROVISIONING"
	StatusReady        Status = "READY"
	StatusSuspended    Status = "SUSPENDED"
	StatusError        Status = "ERROR"
)

// stored values in the municipios table
var storedStatus = map[string]Status{
	"PENDENTE": StatusPending,
	"CRIANDO":  StatusProvisioning,
	"ATIVO":    StatusReady,
	"SUSPENSO": StatusSuspended,
	"ERRO":     StatusError,
}

// ParseStatus accepts both the canonical and the stored spelling
func ParseStatus(s string) (Status, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	switch Status(v) {
	case StatusPending, StatusProvisioning, StatusReady, StatusSuspended, StatusError:
		return Status(v), nil
	}
	if st, ok := storedStatus[v]; ok {
		return st, nil
	}
	return "", coreerrors.Newf(coreerrors.CodeInvalidParam, "unknown tenant status %q", s)
}

// Stored returns the value persisted in the municipios table
func (s Status) Stored() string {
	for k, v := range storedStatus {
		if v == s {
			return k
		}
	}
	return string(s)
}

// Descriptor is an immutable view of one tenant. Readers always get copies.
type Descriptor struct {
	ID                 string      `json:"id"`
	Name               string      `json:"name"`
	Slug               string      `json:"slug"`
	IsolationKey       string      `json:"isolation_key"`
	Target             pool.Target `json:"target"`
	StorageProvisioned bool        `json:"storage_provisioned"`
	Status             Status      `json:"status"`
	StatusMessage      string      `json:"status_message,omitempty"`
	Active             bool        `json:"active"`
	MaintenanceMode    bool        `json:"maintenance_mode"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// Ready reports whether tenant-scoped storage can be used
func (d Descriptor) Ready() bool {
	return d.NotReadyReason() == ""
}

// NotReadyReason is empty for ready tenants
func (d Descriptor) NotReadyReason() string {
	switch {
	case !d.Active:
		return "inactive"
	case d.Status != StatusReady:
		return "status:" + string(d.Status)
	case !d.StorageProvisioned:
		return "storage_not_provisioned"
	default:
		return ""
	}
}

var schemaPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// DeriveSchema picks db_schema, else the slug with dashes as underscores, else public
func DeriveSchema(dbSchema, slug string) (string, error) {
	schema := strings.ToLower(strings.TrimSpace(dbSchema))
	if schema == "" {
		schema = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(slug)), "-", "_")
	}
	if schema == "" {
		schema = "public"
	}
	if !schemaPattern.MatchString(schema) {
		return "", coreerrors.Newf(coreerrors.CodeInvalidParam, "invalid schema %q", schema)
	}
	return schema, nil
}

// Record is a raw directory row
type Record struct {
	ID                 string
	Name               string
	Slug               string
	DBSchema           string
	DSN                string
	Status             string
	StatusMessage      string
	Active             bool
	StorageProvisioned bool
	MaintenanceMode    bool
	UpdatedAt          time.Time
}

// Descriptor builds the descriptor. Tenants without their own DSN live in a
// schema of the shared database and are keyed by schema; tenants with a
// dedicated database are keyed by id.
func (r Record) Descriptor(sharedDSN string) (Descriptor, error) {
	if r.ID == "" {
		return Descriptor{}, coreerrors.New(coreerrors.CodeInvalidParam, "tenant id is empty")
	}
	status, err := ParseStatus(r.Status)
	if err != nil {
		return Descriptor{}, err
	}
	schema, err := DeriveSchema(r.DBSchema, r.Slug)
	if err != nil {
		return Descriptor{}, err
	}

	target := pool.Target{DSN: sharedDSN, Schema: schema, Key: schema}
	if r.DSN != "" && r.DSN != sharedDSN {
		target.DSN = r.DSN
		target.Key = fmt.Sprintf("tenant:%s", r.ID)
	}

	return Descriptor{
		ID:                 r.ID,
		Name:               r.Name,
		Slug:               r.Slug,
		IsolationKey:       target.Key,
		Target:             target,
		StorageProvisioned: r.StorageProvisioned,
		Status:             status,
		StatusMessage:      r.StatusMessage,
		Active:             r.Active,
		MaintenanceMode:    r.MaintenanceMode,
		UpdatedAt:          r.UpdatedAt,
	}, nil
}
