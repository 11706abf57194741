package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	ledgerdomain "github.com/counselkit/metering/internal/ledger/domain"
	obsmetrics "github.com/counselkit/metering/internal/observability/metrics"
	usagedomain "github.com/counselkit/metering/internal/usage/domain"
	"github.com/counselkit/metering/pkg/db/pagination"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type debitRequest struct {
	Amount         int64          `json:"amount"`
	ToolName       string         `json:"toolName"`
	Meta           map[string]any `json:"meta"`
	IdempotencyKey string         `json:"idempotencyKey"`
}

type debitResponse struct {
	Balance  int64  `json:"balance"`
	TxID     string `json:"txId"`
	Replayed bool   `json:"replayed,omitempty"`
}

type grantRequest struct {
	Amount int64          `json:"amount"`
	Reason string         `json:"reason"`
	Meta   map[string]any `json:"meta"`
}

// DebitCredits charges the authenticated caller for one metered tool use.
// When the request omits amount, the per-tool cost table supplies it.
func (s *Server) DebitCredits(c *gin.Context) {
	userID, ok := s.callerUserID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req debitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	toolName := strings.TrimSpace(req.ToolName)
	if toolName == "" {
		AbortWithError(c, newValidationError("toolName", "invalid_tool_name", "toolName is required"))
		return
	}
	c.Set("tool_name", toolName)

	amount := req.Amount
	if amount == 0 && s.toolCosts != nil {
		if cost, ok := s.toolCosts.Lookup(toolName); ok {
			amount = cost
		}
	}
	if amount <= 0 {
		s.recordDebitMetric(c, toolName, obsmetrics.DebitOutcomeRejected)
		AbortWithError(c, newValidationError("amount", "invalid_amount", "amount must be a positive integer"))
		return
	}

	result, err := s.ledgerSvc.Debit(c.Request.Context(), ledgerdomain.DebitRequest{
		UserID:         userID,
		Amount:         amount,
		ToolName:       toolName,
		Meta:           req.Meta,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		switch {
		case errors.Is(err, ledgerdomain.ErrInsufficientFunds):
			s.recordDebitMetric(c, toolName, obsmetrics.DebitOutcomeInsufficient)
		case errors.Is(err, ledgerdomain.ErrIdempotencyConflict):
			s.recordDebitMetric(c, toolName, obsmetrics.DebitOutcomeRejected)
		default:
			s.recordDebitMetric(c, toolName, obsmetrics.DebitOutcomeError)
		}
		AbortWithError(c, err)
		return
	}

	if result.Replayed {
		s.recordDebitMetric(c, toolName, obsmetrics.DebitOutcomeReplayed)
	} else {
		s.recordDebitMetric(c, toolName, obsmetrics.DebitOutcomeOK)
		s.recordUsage(userID, toolName, amount, req.Meta)
	}

	c.JSON(http.StatusOK, debitResponse{
		Balance:  result.Balance,
		TxID:     result.TxID,
		Replayed: result.Replayed,
	})
}

func (s *Server) GetCreditBalance(c *gin.Context) {
	userID, ok := s.callerUserID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	balance, err := s.ledgerSvc.GetBalance(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

func (s *Server) GrantCredits(c *gin.Context) {
	userID, ok := s.callerUserID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.ledgerSvc.Grant(c.Request.Context(), ledgerdomain.GrantRequest{
		UserID: userID,
		Amount: req.Amount,
		Reason: req.Reason,
		Meta:   req.Meta,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"balance": result.Balance,
		"txId":    result.TxID,
	})
}

func (s *Server) ListCreditTransactions(c *gin.Context) {
	userID, ok := s.callerUserID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.ledgerSvc.ListTransactions(c.Request.Context(), ledgerdomain.ListTransactionsRequest{
		UserID:    userID,
		PageToken: page.PageToken,
		PageSize:  int32(page.PageSize),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// recordUsage appends the audit event after the debit has committed. The
// write is detached from the request so a slow or failing audit store can
// never surface on the metering path.
func (s *Server) recordUsage(userID, toolName string, amount int64, meta map[string]any) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.usageRecorder.Record(ctx, usagedomain.RecordRequest{
			UserID:         userID,
			ToolName:       toolName,
			CreditsCharged: amount,
			Meta:           meta,
		}); err != nil {
			s.log.Warn("usage audit write failed",
				zap.String("user_id", userID),
				zap.String("tool_name", toolName),
				zap.Error(err),
			)
		}
	}()
}

func (s *Server) recordDebitMetric(c *gin.Context, toolName, outcome string) {
	if s.obsMetrics == nil {
		return
	}
	s.obsMetrics.RecordDebit(c.Request.Context(), toolName, outcome)
}
