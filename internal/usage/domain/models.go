package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/counselkit/metering/pkg/db/pagination"
	"gorm.io/datatypes"
)

// UsageEvent is the append-only audit record written after a successful
// debit. It sits outside the financial correctness boundary: losing one
// never affects a committed transaction.
type UsageEvent struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	UserID         string            `gorm:"column:user_id;type:text;not null;index:ix_usage_events_user_id"`
	ToolName       string            `gorm:"column:tool_name;type:text;not null"`
	CreditsCharged int64             `gorm:"column:credits_charged;not null"`
	Meta           datatypes.JSONMap `gorm:"column:meta"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }

type RecordRequest struct {
	UserID         string
	ToolName       string
	CreditsCharged int64
	Meta           map[string]any
}

type ListUsageRequest struct {
	UserID    string
	ToolName  string
	PageToken string
	PageSize  int32
}

type ListUsageResponse struct {
	UsageEvents []UsageEvent        `json:"usage_events"`
	PageInfo    pagination.PageInfo `json:"page_info"`
}

// Recorder appends usage audit events. Record is best-effort: callers
// invoke it after the debit has committed and are free to ignore the error.
type Recorder interface {
	Record(ctx context.Context, req RecordRequest) error
	List(ctx context.Context, req ListUsageRequest) (ListUsageResponse, error)
}
