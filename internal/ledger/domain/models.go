package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// DebitOutcome records how a debit attempt ended.
type DebitOutcome string

const (
	DebitOutcomeSucceeded DebitOutcome = "succeeded"
	DebitOutcomeFailed    DebitOutcome = "failed"
)

// TransactionType distinguishes balance-affecting entry kinds.
type TransactionType string

const (
	TransactionTypeDebit TransactionType = "debit"
	TransactionTypeGrant TransactionType = "grant"
)

// Account holds the current credit balance for one user. Accounts are
// created lazily on the first debit or grant and never deleted.
type Account struct {
	UserID    string    `gorm:"column:user_id;type:text;primaryKey"`
	Balance   int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "accounts" }

// Transaction is one committed balance change. Rows are append-only;
// the debit service is the only writer.
type Transaction struct {
	ID           snowflake.ID      `gorm:"primaryKey"`
	UserID       string            `gorm:"column:user_id;type:text;not null;index:ix_transactions_user_id"`
	Type         TransactionType   `gorm:"type:text;not null"`
	Amount       int64             `gorm:"not null"`
	ToolName     string            `gorm:"column:tool_name;type:text;not null"`
	BalanceAfter int64             `gorm:"column:balance_after;not null"`
	Meta         datatypes.JSONMap `gorm:"column:meta"`
	CreatedAt    time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "transactions" }

// IdempotencyRecord pins the first committed outcome for a
// (user_id, idempotency_key) pair so retries replay instead of re-execute.
// Amount and ToolName are stored for key-collision validation.
type IdempotencyRecord struct {
	UserID         string        `gorm:"column:user_id;type:text;primaryKey"`
	IdempotencyKey string        `gorm:"column:idempotency_key;type:text;primaryKey"`
	Outcome        DebitOutcome  `gorm:"type:text;not null"`
	Amount         int64         `gorm:"not null"`
	ToolName       string        `gorm:"column:tool_name;type:text;not null"`
	TxID           *snowflake.ID `gorm:"column:tx_id"`
	BalanceAfter   int64         `gorm:"column:balance_after;not null"`
	CreatedAt      time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (IdempotencyRecord) TableName() string { return "idempotency_records" }
