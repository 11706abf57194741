package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/counselkit/metering/internal/clock"
	usagedomain "github.com/counselkit/metering/internal/usage/domain"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestRecordAppendsEvent(t *testing.T) {
	recorder, db := setupRecorder(t)
	ctx := context.Background()

	err := recorder.Record(ctx, usagedomain.RecordRequest{
		UserID:         "user-1",
		ToolName:       "chat",
		CreditsCharged: 50,
		Meta:           map[string]any{"conversation_id": "c-9"},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	var count int
	if err := db.Raw(`SELECT COUNT(1) FROM usage_events WHERE user_id = ?`, "user-1").Scan(&count).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 event, got %d", count)
	}
}

func TestRecordSkipsBlankRequests(t *testing.T) {
	recorder, db := setupRecorder(t)
	ctx := context.Background()

	if err := recorder.Record(ctx, usagedomain.RecordRequest{ToolName: "chat"}); err != nil {
		t.Fatalf("record without user: %v", err)
	}
	if err := recorder.Record(ctx, usagedomain.RecordRequest{UserID: "user-1"}); err != nil {
		t.Fatalf("record without tool: %v", err)
	}

	var count int
	if err := db.Raw(`SELECT COUNT(1) FROM usage_events`).Scan(&count).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no events, got %d", count)
	}
}

func TestListFiltersAndPaginates(t *testing.T) {
	recorder, _ := setupRecorder(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := recorder.Record(ctx, usagedomain.RecordRequest{
			UserID:         "user-1",
			ToolName:       "chat",
			CreditsCharged: 10,
		}); err != nil {
			t.Fatalf("record chat %d: %v", i, err)
		}
	}
	if err := recorder.Record(ctx, usagedomain.RecordRequest{
		UserID:         "user-1",
		ToolName:       "draft",
		CreditsCharged: 200,
	}); err != nil {
		t.Fatalf("record draft: %v", err)
	}

	page, err := recorder.List(ctx, usagedomain.ListUsageRequest{
		UserID:   "user-1",
		ToolName: "chat",
		PageSize: 3,
	})
	if err != nil {
		t.Fatalf("list first page: %v", err)
	}
	if len(page.UsageEvents) != 3 {
		t.Fatalf("expected 3 events, got %d", len(page.UsageEvents))
	}
	if !page.PageInfo.HasMore {
		t.Fatal("expected more pages")
	}

	rest, err := recorder.List(ctx, usagedomain.ListUsageRequest{
		UserID:    "user-1",
		ToolName:  "chat",
		PageSize:  3,
		PageToken: page.PageInfo.NextPageToken,
	})
	if err != nil {
		t.Fatalf("list second page: %v", err)
	}
	if len(rest.UsageEvents) != 1 {
		t.Fatalf("expected 1 remaining event, got %d", len(rest.UsageEvents))
	}
}

func setupRecorder(t *testing.T) (usagedomain.Recorder, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error

	if err := db.Exec(`CREATE TABLE usage_events (
		id BIGINT PRIMARY KEY,
		user_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		credits_charged BIGINT NOT NULL,
		meta JSON,
		created_at DATETIME NOT NULL
	)`).Error; err != nil {
		t.Fatalf("create usage_events: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	recorder := NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(time.Now()),
	})

	return recorder, db
}
