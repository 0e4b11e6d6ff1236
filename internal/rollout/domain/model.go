package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// AgencyRollout stores per-agency collection switches. Absence of a row
// means the agency is not rolled out: automation stays off.
type AgencyRollout struct {
	ID                  snowflake.ID `json:"id" gorm:"primaryKey"`
	AgencyID            snowflake.ID `json:"agency_id" gorm:"not null;uniqueIndex"`
	PDAutomationEnabled bool         `json:"pd_automation_enabled" gorm:"not null;default:false"`
	// CutoffHour overrides the global cutoff. Nil falls back to the global
	// value; -1 opts the agency out of cutoff deferral entirely.
	CutoffHour       *int      `json:"cutoff_hour"`
	FallbackEnabled  bool      `json:"fallback_enabled" gorm:"not null;default:false"`
	FallbackProvider string    `json:"fallback_provider" gorm:"type:text"`
	FallbackAutoSync bool      `json:"fallback_auto_sync" gorm:"not null;default:false"`
	DunningEnabled   bool      `json:"dunning_enabled" gorm:"not null;default:true"`
	CreatedAt        time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt        time.Time `json:"updated_at" gorm:"not null"`
}

func (AgencyRollout) TableName() string { return "agency_rollouts" }

// Flags is the read-side view handed to the collection services.
type Flags struct {
	AgencyID            snowflake.ID `json:"agency_id"`
	PDAutomationEnabled bool         `json:"pd_automation_enabled"`
	CutoffHour          *int         `json:"cutoff_hour"`
	FallbackEnabled     bool         `json:"fallback_enabled"`
	FallbackProvider    string       `json:"fallback_provider"`
	FallbackAutoSync    bool         `json:"fallback_auto_sync"`
	DunningEnabled      bool         `json:"dunning_enabled"`
}

// Service bulk-fetches rollout flags. Pure read: the engine never mutates
// rollout state.
type Service interface {
	FlagsFor(ctx context.Context, agencyIDs []snowflake.ID) (map[snowflake.ID]Flags, error)
}
