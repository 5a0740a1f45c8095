// Package pool routes tenant work to connections bound to the tenant's
// storage boundary (a schema on a shared database, or a dedicated database).
//
// One TargetPool exists per isolation key. Each pool bounds concurrent
// connections and queued waiters; dormant pools are swept.
package pool

import (
	"fmt"
	"regexp"

	coreerrors "tenantgate/internal/core/errors"

	"github.com/jackc/pgx/v5"
)

var schemaPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// Target describes where a tenant's data lives
type Target struct {
	// Key is the isolation key; one pool per key
	Key string `json:"key"`
	// DSN of the database holding the tenant data
	DSN string `json:"-"`
	// Schema every statement is confined to (search_path)
	Schema string `json:"schema"`
}

// Validate checks the target can be dialed safely
func (t Target) Validate() error {
	if t.Key == "" {
		return coreerrors.New(coreerrors.CodeInvalidParam, "target isolation key is empty")
	}
	if t.DSN == "" {
		return coreerrors.New(coreerrors.CodeInvalidParam, "target DSN is empty")
	}
	return ValidateSchema(t.Schema)
}

// ValidateSchema accepts lowercase postgres identifiers only
func ValidateSchema(schema string) error {
	if !schemaPattern.MatchString(schema) {
		return coreerrors.Newf(coreerrors.CodeInvalidParam, "invalid schema name %q", schema)
	}
	return nil
}

// SearchPathSQL returns the statement confining a session to schema
func SearchPathSQL(schema string) string {
	return fmt.Sprintf("SET search_path TO %s, public", pgx.Identifier{schema}.Sanitize())
}
