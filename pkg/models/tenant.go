// Package models contains the records shared across the evalrunner codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Tenant is an organization that owns runs. A run's OwnerID is a tenant ID.
type Tenant struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Name      string    `db:"name"       json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
