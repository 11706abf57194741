package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/counselkit/metering/internal/clock"
	ledgerdomain "github.com/counselkit/metering/internal/ledger/domain"
	obsmetrics "github.com/counselkit/metering/internal/observability/metrics"
	"github.com/counselkit/metering/pkg/db"
	"github.com/counselkit/metering/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
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

func NewService(p ServiceParam) ledgerdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("ledger.service"),
		genID: p.GenID,
		clock: p.Clock,

		metrics: p.Metrics,
	}
}

// Debit charges req.Amount credits against req.UserID inside one storage
// transaction: row lock, idempotency lookup, conditional decrement, and the
// transaction + idempotency inserts all commit or roll back together.
//
// ErrInsufficientFunds is a normal outcome; when it is returned the result
// still carries the attempt's balance and replay status.
func (s *Service) Debit(ctx context.Context, req ledgerdomain.DebitRequest) (*ledgerdomain.DebitResult, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, ledgerdomain.ErrInvalidUser
	}
	if req.Amount <= 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	toolName := strings.TrimSpace(req.ToolName)
	if toolName == "" {
		return nil, ledgerdomain.ErrInvalidToolName
	}
	idempotencyKey := strings.TrimSpace(req.IdempotencyKey)

	result, err := s.runDebit(ctx, userID, req.Amount, toolName, req.Meta, idempotencyKey)
	if err != nil && db.IsDuplicateKeyErr(err) && idempotencyKey != "" {
		// Lost a same-key race to a concurrent retry. The winner's outcome
		// is committed, so replay it.
		result, err = s.replayCommitted(ctx, userID, req.Amount, toolName, idempotencyKey)
	}
	return result, err
}

func (s *Service) runDebit(
	ctx context.Context,
	userID string,
	amount int64,
	toolName string,
	meta map[string]any,
	idempotencyKey string,
) (*ledgerdomain.DebitResult, error) {

	var (
		result       ledgerdomain.DebitResult
		insufficient bool
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.lockAccount(tx, userID)
		if err != nil {
			return err
		}

		if idempotencyKey != "" {
			prior, err := s.findIdempotencyRecord(tx, userID, idempotencyKey)
			if err != nil {
				return err
			}
			if prior != nil {
				if prior.Amount != amount || prior.ToolName != toolName {
					return ledgerdomain.ErrIdempotencyConflict
				}
				result = replayResult(prior)
				insufficient = prior.Outcome == ledgerdomain.DebitOutcomeFailed
				return nil
			}
		}

		now := s.clock.Now()
		decremented := tx.Model(&ledgerdomain.Account{}).
			Where("user_id = ? AND balance >= ?", userID, amount).
			Updates(map[string]any{
				"balance":    gorm.Expr("balance - ?", amount),
				"updated_at": now,
			})
		if decremented.Error != nil {
			return decremented.Error
		}

		if decremented.RowsAffected == 0 {
			insufficient = true
			result = ledgerdomain.DebitResult{
				Outcome: ledgerdomain.DebitOutcomeFailed,
				Balance: account.Balance,
			}
			if idempotencyKey == "" {
				return nil
			}
			// Commit the rejection itself so retries replay it instead of
			// hitting storage again.
			return tx.Create(&ledgerdomain.IdempotencyRecord{
				UserID:         userID,
				IdempotencyKey: idempotencyKey,
				Outcome:        ledgerdomain.DebitOutcomeFailed,
				Amount:         amount,
				ToolName:       toolName,
				BalanceAfter:   account.Balance,
				CreatedAt:      now,
			}).Error
		}

		balanceAfter := account.Balance - amount
		record := ledgerdomain.Transaction{
			ID:           s.genID.Generate(),
			UserID:       userID,
			Type:         ledgerdomain.TransactionTypeDebit,
			Amount:       amount,
			ToolName:     toolName,
			BalanceAfter: balanceAfter,
			CreatedAt:    now,
		}
		if meta != nil {
			record.Meta = datatypes.JSONMap(meta)
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}

		if idempotencyKey != "" {
			txID := record.ID
			if err := tx.Create(&ledgerdomain.IdempotencyRecord{
				UserID:         userID,
				IdempotencyKey: idempotencyKey,
				Outcome:        ledgerdomain.DebitOutcomeSucceeded,
				Amount:         amount,
				ToolName:       toolName,
				TxID:           &txID,
				BalanceAfter:   balanceAfter,
				CreatedAt:      now,
			}).Error; err != nil {
				return err
			}
		}

		result = ledgerdomain.DebitResult{
			Outcome: ledgerdomain.DebitOutcomeSucceeded,
			TxID:    record.ID.String(),
			Balance: balanceAfter,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if insufficient {
		return &result, ledgerdomain.ErrInsufficientFunds
	}
	return &result, nil
}

// replayCommitted re-reads the record a concurrent retry committed first.
func (s *Service) replayCommitted(ctx context.Context, userID string, amount int64, toolName, idempotencyKey string) (*ledgerdomain.DebitResult, error) {
	prior, err := s.findIdempotencyRecord(s.db.WithContext(ctx), userID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if prior == nil {
		return nil, gorm.ErrRecordNotFound
	}
	if prior.Amount != amount || prior.ToolName != toolName {
		return nil, ledgerdomain.ErrIdempotencyConflict
	}

	result := replayResult(prior)
	if prior.Outcome == ledgerdomain.DebitOutcomeFailed {
		return &result, ledgerdomain.ErrInsufficientFunds
	}
	return &result, nil
}

func (s *Service) Grant(ctx context.Context, req ledgerdomain.GrantRequest) (*ledgerdomain.GrantResult, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, ledgerdomain.ErrInvalidUser
	}
	if req.Amount <= 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "grant"
	}

	var result ledgerdomain.GrantResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.lockAccount(tx, userID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		if err := tx.Model(&ledgerdomain.Account{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{
				"balance":    gorm.Expr("balance + ?", req.Amount),
				"updated_at": now,
			}).Error; err != nil {
			return err
		}

		balanceAfter := account.Balance + req.Amount
		record := ledgerdomain.Transaction{
			ID:           s.genID.Generate(),
			UserID:       userID,
			Type:         ledgerdomain.TransactionTypeGrant,
			Amount:       req.Amount,
			ToolName:     reason,
			BalanceAfter: balanceAfter,
			CreatedAt:    now,
		}
		if req.Meta != nil {
			record.Meta = datatypes.JSONMap(req.Meta)
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}

		result = ledgerdomain.GrantResult{
			TxID:    record.ID.String(),
			Balance: balanceAfter,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// GetBalance returns the current balance, creating the account lazily so a
// user who has never been charged reads 0 rather than not-found.
func (s *Service) GetBalance(ctx context.Context, userID string) (int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, ledgerdomain.ErrInvalidUser
	}

	if err := s.ensureAccount(s.db.WithContext(ctx), userID); err != nil {
		return 0, err
	}

	var account ledgerdomain.Account
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&account).Error; err != nil {
		return 0, err
	}
	return account.Balance, nil
}

func (s *Service) ListTransactions(ctx context.Context, req ledgerdomain.ListTransactionsRequest) (ledgerdomain.ListTransactionsResponse, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return ledgerdomain.ListTransactionsResponse{}, ledgerdomain.ErrInvalidUser
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	query := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(int(pageSize) + 1)

	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return ledgerdomain.ListTransactionsResponse{}, err
		}
		if cursor.ID != "" {
			afterID, err := snowflake.ParseString(cursor.ID)
			if err != nil {
				return ledgerdomain.ListTransactionsResponse{}, err
			}
			query = query.Where("id < ?", afterID)
		}
	}

	var items []*ledgerdomain.Transaction
	if err := query.Find(&items).Error; err != nil {
		return ledgerdomain.ListTransactionsResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(record *ledgerdomain.Transaction) string {
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

	records := make([]ledgerdomain.Transaction, 0, len(items))
	for _, item := range items {
		records = append(records, *item)
	}

	return ledgerdomain.ListTransactionsResponse{
		Transactions: records,
		PageInfo:     *pageInfo,
	}, nil
}

// PruneIdempotencyRecords deletes records older than the retention cutoff.
func (s *Service) PruneIdempotencyRecords(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("created_at < ?", before).
		Delete(&ledgerdomain.IdempotencyRecord{})
	if result.Error != nil {
		return 0, result.Error
	}

	if result.RowsAffected > 0 {
		s.log.Info("pruned idempotency records",
			zap.Int64("count", result.RowsAffected),
			zap.Time("before", before),
		)
		if s.metrics != nil {
			s.metrics.RecordPruned(ctx, result.RowsAffected)
		}
	}
	return result.RowsAffected, nil
}

// lockAccount fetches the account row under FOR UPDATE, creating it lazily on
// first use. SQLite has no row locks; its single writer serializes instead.
func (s *Service) lockAccount(tx *gorm.DB, userID string) (*ledgerdomain.Account, error) {
	query := tx.Where("user_id = ?", userID)
	if !strings.EqualFold(tx.Dialector.Name(), "sqlite") {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var account ledgerdomain.Account
	err := query.First(&account).Error
	if err == nil {
		return &account, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if err := s.ensureAccount(tx, userID); err != nil {
		return nil, err
	}
	if err := query.First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *Service) ensureAccount(tx *gorm.DB, userID string) error {
	now := s.clock.Now()
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&ledgerdomain.Account{
		UserID:    userID,
		Balance:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}).Error
}

func (s *Service) findIdempotencyRecord(tx *gorm.DB, userID, key string) (*ledgerdomain.IdempotencyRecord, error) {
	var record ledgerdomain.IdempotencyRecord
	err := tx.Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func replayResult(record *ledgerdomain.IdempotencyRecord) ledgerdomain.DebitResult {
	result := ledgerdomain.DebitResult{
		Outcome:  record.Outcome,
		Balance:  record.BalanceAfter,
		Replayed: true,
	}
	if record.TxID != nil {
		result.TxID = record.TxID.String()
	}
	return result
}
