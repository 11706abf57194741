package domain

import (
	"context"
	"errors"
	"time"

	"github.com/counselkit/metering/pkg/db/pagination"
)

var (
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidToolName     = errors.New("invalid_tool_name")
	ErrInsufficientFunds   = errors.New("insufficient_funds")
	ErrIdempotencyConflict = errors.New("idempotency_key_conflict")
)

type DebitRequest struct {
	UserID         string
	Amount         int64
	ToolName       string
	Meta           map[string]any
	IdempotencyKey string
}

// DebitResult is the receipt for a debit attempt. Replayed is true when
// the outcome came from a stored idempotency record rather than a fresh
// balance mutation.
type DebitResult struct {
	Outcome  DebitOutcome
	TxID     string
	Balance  int64
	Replayed bool
}

type GrantRequest struct {
	UserID string
	Amount int64
	Reason string
	Meta   map[string]any
}

type GrantResult struct {
	TxID    string
	Balance int64
}

type ListTransactionsRequest struct {
	UserID    string
	PageToken string
	PageSize  int32
}

type ListTransactionsResponse struct {
	Transactions []Transaction       `json:"transactions"`
	PageInfo     pagination.PageInfo `json:"page_info"`
}

// Service is the debit processor plus the supporting ledger reads.
type Service interface {
	Debit(ctx context.Context, req DebitRequest) (*DebitResult, error)
	Grant(ctx context.Context, req GrantRequest) (*GrantResult, error)
	GetBalance(ctx context.Context, userID string) (int64, error)
	ListTransactions(ctx context.Context, req ListTransactionsRequest) (ListTransactionsResponse, error)
	PruneIdempotencyRecords(ctx context.Context, before time.Time) (int64, error)
}
