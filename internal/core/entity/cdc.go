package entity

import "time"

// SoftDelete marks rows that are excluded from computations without being removed.
// Embed in entities that keep an append-only history.
type SoftDelete struct {
	DeletedAt *time.Time `db:"deleted_at" json:"deletedAt,omitempty"`
	DeletedBy *string    `db:"deleted_by" json:"deletedBy,omitempty"`
}

// IsDeleted returns true if entity has been soft-deleted.
func (s *SoftDelete) IsDeleted() bool {
	return s.DeletedAt != nil
}

// MarkDeleted sets the deletion timestamp and actor.
func (s *SoftDelete) MarkDeleted(actor string, at time.Time) {
	t := at.UTC()
	s.DeletedAt = &t
	s.DeletedBy = &actor
}

// Restore clears the deletion marker (undelete).
func (s *SoftDelete) Restore() {
	s.DeletedAt = nil
	s.DeletedBy = nil
}

// Audit carries who and when created or last touched a row.
type Audit struct {
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
	CreatedBy string    `db:"created_by" json:"createdBy,omitempty"`
	UpdatedBy string    `db:"updated_by" json:"updatedBy,omitempty"`
}

// NewAudit stamps creation by actor at now.
func NewAudit(actor string, now time.Time) Audit {
	now = now.UTC()
	return Audit{CreatedAt: now, UpdatedAt: now, CreatedBy: actor, UpdatedBy: actor}
}

// Touch records a modification.
func (a *Audit) Touch(actor string, now time.Time) {
	a.UpdatedAt = now.UTC()
	a.UpdatedBy = actor
}
