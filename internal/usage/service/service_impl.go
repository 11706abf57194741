package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/counselkit/metering/internal/clock"
	obsmetrics "github.com/counselkit/metering/internal/observability/metrics"
	usagedomain "github.com/counselkit/metering/internal/usage/domain"
	"github.com/counselkit/metering/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock

	metrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) usagedomain.Recorder {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("usage.recorder"),
		genID: p.GenID,
		clock: p.Clock,

		metrics: p.Metrics,
	}
}

// Record appends one audit event. Failures are logged here so callers can
// fire-and-forget without losing the signal entirely.
func (s *Service) Record(ctx context.Context, req usagedomain.RecordRequest) error {
	userID := strings.TrimSpace(req.UserID)
	toolName := strings.TrimSpace(req.ToolName)
	if userID == "" || toolName == "" {
		return nil
	}

	event := usagedomain.UsageEvent{
		ID:             s.genID.Generate(),
		UserID:         userID,
		ToolName:       toolName,
		CreditsCharged: req.CreditsCharged,
		CreatedAt:      s.clock.Now(),
	}
	if req.Meta != nil {
		event.Meta = datatypes.JSONMap(req.Meta)
	}

	if err := s.db.WithContext(ctx).Create(&event).Error; err != nil {
		s.log.Error("usage event write failed",
			zap.String("user_id", userID),
			zap.String("tool_name", toolName),
			zap.Error(err),
		)
		if s.metrics != nil {
			s.metrics.RecordUsageEvent(ctx, toolName, "failed")
		}
		return err
	}

	if s.metrics != nil {
		s.metrics.RecordUsageEvent(ctx, toolName, "recorded")
	}
	return nil
}

func (s *Service) List(ctx context.Context, req usagedomain.ListUsageRequest) (usagedomain.ListUsageResponse, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return usagedomain.ListUsageResponse{}, nil
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	query := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(int(pageSize) + 1)

	if toolName := strings.TrimSpace(req.ToolName); toolName != "" {
		query = query.Where("tool_name = ?", toolName)
	}

	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return usagedomain.ListUsageResponse{}, err
		}
		if cursor.ID != "" {
			afterID, err := snowflake.ParseString(cursor.ID)
			if err != nil {
				return usagedomain.ListUsageResponse{}, err
			}
			query = query.Where("id < ?", afterID)
		}
	}

	var items []*usagedomain.UsageEvent
	if err := query.Find(&items).Error; err != nil {
		return usagedomain.ListUsageResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(record *usagedomain.UsageEvent) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        record.ID.String(),
			CreatedAt: record.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo.HasMore && len(items) > int(pageSize) {
		items = items[:pageSize]
	}

	records := make([]usagedomain.UsageEvent, 0, len(items))
	for _, item := range items {
		records = append(records, *item)
	}

	return usagedomain.ListUsageResponse{
		UsageEvents: records,
		PageInfo:    *pageInfo,
	}, nil
}
