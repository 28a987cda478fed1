package settlement

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/splitpool/internal/custody"
	"github.com/mbd888/splitpool/internal/metrics"
	"github.com/mbd888/splitpool/internal/splits"
	"github.com/mbd888/splitpool/internal/txbuilder"
	"github.com/mbd888/splitpool/internal/validation"
)

// Handler provides HTTP endpoints for settlement operations.
//
// Every mutating endpoint answers with the same envelope:
// {success, transactionSignature?, amount?, error?}. success=false means
// no funds moved, with one exception: a pending confirmation answers
// 202 with the submitted signature so the caller can check history
// before retrying.
type Handler struct {
	service *Service
}

// NewHandler creates a settlement handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the split wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/splits", h.CreateWallet)
	r.GET("/splits", h.ListWallets)
	r.GET("/splits/:id", h.GetWallet)
	r.POST("/splits/:id/participants", h.AddParticipants)
	r.POST("/splits/:id/fund", h.Fund)
	r.POST("/splits/:id/withdraw", h.FairWithdraw)
	r.POST("/splits/:id/spin", h.Spin)
	r.POST("/splits/:id/payout", h.WinnerPayout)
	r.POST("/splits/:id/refund", h.LoserRefund)
}

// CreateWallet handles POST /v1/splits
func (h *Handler) CreateWallet(c *gin.Context) {
	var req CreateWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("billId", req.BillID),
		validation.Required("creatorId", req.CreatorID),
	); len(errs) > 0 {
		badRequest(c, errs.Error())
		return
	}

	w, err := h.service.CreateWallet(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	metrics.WalletsCreatedTotal.WithLabelValues(string(w.Mode.Kind)).Inc()
	c.JSON(http.StatusCreated, gin.H{"success": true, "wallet": w})
}

// ListWallets handles GET /v1/splits?status=active&limit=20&cursor=...
func (h *Handler) ListWallets(c *gin.Context) {
	status := splits.WalletStatus(c.DefaultQuery("status", string(splits.WalletActive)))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	wallets, next, hasMore, err := h.service.ListWallets(c.Request.Context(), status, limit, c.Query("cursor"))
	if err != nil {
		respondError(c, err)
		return
	}
	if wallets == nil {
		wallets = []*splits.Wallet{}
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"wallets":    wallets,
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// GetWallet handles GET /v1/splits/:id
func (h *Handler) GetWallet(c *gin.Context) {
	w, err := h.service.GetWallet(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "wallet": w})
}

// AddParticipantsRequest contains new invitees for an active wallet.
type AddParticipantsRequest struct {
	UserID       string             `json:"userId" binding:"required"`
	Participants []ParticipantInput `json:"participants" binding:"required"`
}

// AddParticipants handles POST /v1/splits/:id/participants
func (h *Handler) AddParticipants(c *gin.Context) {
	var req AddParticipantsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	w, err := h.service.AddParticipants(c.Request.Context(), c.Param("id"), req.UserID, req.Participants)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "wallet": w})
}

// FundRequest contains the parameters for paying a share into escrow.
type FundRequest struct {
	UserID    string `json:"userId" binding:"required"`
	SenderKey string `json:"senderKey" binding:"required"` // base58 private key
}

// Fund handles POST /v1/splits/:id/fund
func (h *Handler) Fund(c *gin.Context) {
	var req FundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	key, err := solana.PrivateKeyFromBase58(req.SenderKey)
	if err != nil {
		badRequest(c, "Invalid sender key")
		return
	}
	res, err := h.service.Fund(c.Request.Context(), c.Param("id"), req.UserID, key)
	if err != nil {
		respondError(c, err)
		return
	}
	respondResult(c, res)
}

// WithdrawRequest contains the parameters for a fair withdrawal.
type WithdrawRequest struct {
	UserID      string `json:"userId" binding:"required"`
	Destination string `json:"destination" binding:"required"`
}

// FairWithdraw handles POST /v1/splits/:id/withdraw
func (h *Handler) FairWithdraw(c *gin.Context) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.ValidAddress("destination", req.Destination),
	); len(errs) > 0 {
		badRequest(c, errs.Error())
		return
	}
	res, err := h.service.FairWithdraw(c.Request.Context(), c.Param("id"), req.UserID, req.Destination)
	if err != nil {
		respondError(c, err)
		return
	}
	respondResult(c, res)
}

// SpinRequest identifies the participant requesting the draw.
type SpinRequest struct {
	UserID string `json:"userId" binding:"required"`
}

// Spin handles POST /v1/splits/:id/spin
func (h *Handler) Spin(c *gin.Context) {
	var req SpinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	loserID, err := h.service.Spin(c.Request.Context(), c.Param("id"), req.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "loserId": loserID})
}

// PayoutRequest identifies the winner claiming the pool.
type PayoutRequest struct {
	UserID string `json:"userId" binding:"required"`
}

// WinnerPayout handles POST /v1/splits/:id/payout
func (h *Handler) WinnerPayout(c *gin.Context) {
	var req PayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	res, err := h.service.DegenWinnerPayout(c.Request.Context(), c.Param("id"), req.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondResult(c, res)
}

// RefundRequest contains the loser's external destination.
type RefundRequest struct {
	UserID          string `json:"userId" binding:"required"`
	ExternalAddress string `json:"externalAddress" binding:"required"`
}

// LoserRefund handles POST /v1/splits/:id/refund
func (h *Handler) LoserRefund(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.ValidAddress("externalAddress", req.ExternalAddress),
	); len(errs) > 0 {
		badRequest(c, errs.Error())
		return
	}
	res, err := h.service.DegenLoserRefund(c.Request.Context(), c.Param("id"), req.UserID, req.ExternalAddress)
	if err != nil {
		respondError(c, err)
		return
	}
	respondResult(c, res)
}

// operation derives the metrics label from the route pattern.
func operation(c *gin.Context) string {
	path := c.FullPath()
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

func respondResult(c *gin.Context, res *Result) {
	metrics.SettlementOperationsTotal.WithLabelValues(operation(c), "success").Inc()
	if res.FallbackVerified {
		metrics.ConfirmationFallbacksTotal.Inc()
	}
	body := gin.H{
		"success":              true,
		"transactionSignature": res.Signature,
		"amount":               res.Amount,
	}
	if res.Fee > 0 {
		body["fee"] = res.Fee
	}
	if res.FallbackVerified {
		body["fallbackVerified"] = true
	}
	c.JSON(http.StatusOK, body)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"success": false,
		"error":   "invalid_request",
		"message": msg,
	})
}

// respondError maps service errors onto the caller contract. Pending
// confirmations carry the submitted signature so the caller can check
// transaction history before retrying.
func respondError(c *gin.Context, err error) {
	var txErr *txbuilder.TxError
	if errors.Is(err, txbuilder.ErrStillProcessing) && errors.As(err, &txErr) {
		metrics.SettlementOperationsTotal.WithLabelValues(operation(c), "pending").Inc()
		c.JSON(http.StatusAccepted, gin.H{
			"success":              false,
			"error":                "confirmation_pending",
			"message":              "Transaction submitted but not yet confirmed; check history before retrying",
			"transactionSignature": txErr.Signature,
		})
		return
	}

	status := http.StatusInternalServerError
	code := "settlement_failed"
	switch {
	case errors.Is(err, ErrInvalidInput):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, custody.ErrPermissionDenied):
		status, code = http.StatusForbidden, "permission_denied"
	case errors.Is(err, ErrNotParticipant):
		status, code = http.StatusForbidden, "not_a_participant"
	case errors.Is(err, splits.ErrWalletNotFound), errors.Is(err, splits.ErrBillNotFound),
		errors.Is(err, custody.ErrKeyNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrAlreadySettled), errors.Is(err, splits.ErrStatusRegression):
		status, code = http.StatusConflict, "already_settled"
	case errors.Is(err, ErrInsufficientBalance):
		status, code = http.StatusPaymentRequired, "insufficient_balance"
	case errors.Is(err, ErrWrongMode), errors.Is(err, ErrNoLoserDrawn), errors.Is(err, ErrStakesNotLocked):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, txbuilder.ErrInvalidIntent):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, splits.ErrStoreUpdate):
		// Funds moved but the store write failed; must stay loud.
		status, code = http.StatusInternalServerError, "store_update_failed"
	}
	metrics.SettlementOperationsTotal.WithLabelValues(operation(c), code).Inc()
	c.JSON(status, gin.H{
		"success": false,
		"error":   code,
		"message": err.Error(),
	})
}
