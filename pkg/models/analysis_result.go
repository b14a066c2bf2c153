package models

import (
	"time"

	"github.com/google/uuid"
)

// AnalysisResult is the recorded score for one job. At most one exists per job.
type AnalysisResult struct {
	ID              uuid.UUID `db:"id"               json:"id"`
	JobID           uuid.UUID `db:"job_id"           json:"job_id"`
	RunID           uuid.UUID `db:"run_id"           json:"run_id"`
	ContentRef      string    `db:"content_ref"      json:"content_ref"`
	Fingerprint     string    `db:"fingerprint"      json:"fingerprint"`
	ConfigurationID string    `db:"configuration_id" json:"configuration_id,omitempty"`
	Score           int       `db:"score"            json:"score"`
	Comment         string    `db:"comment"          json:"comment"`
	Evidence        []string  `db:"evidence"         json:"evidence"`
	Detail          *string   `db:"detail"           json:"detail,omitempty"`
	Raw             string    `db:"raw"              json:"-"`
	Provider        string    `db:"provider"         json:"provider"`
	Model           string    `db:"model"            json:"model"`
	DurationMs      int64     `db:"duration_ms"      json:"duration_ms"`
	TokensUsed      *int      `db:"tokens_used"      json:"tokens_used,omitempty"`
	CreatedAt       time.Time `db:"created_at"       json:"created_at"`
}
