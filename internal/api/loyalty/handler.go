// Package loyalty provides the REST API handlers for balances, rankings,
// the monthly rollover and the reward catalog.
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aimd54/loyalty-ledger/internal/api/middleware"
	"github.com/aimd54/loyalty-ledger/internal/models"
	"github.com/aimd54/loyalty-ledger/internal/service/churn"
	"github.com/aimd54/loyalty-ledger/internal/service/leaderboard"
	"github.com/aimd54/loyalty-ledger/internal/service/ledger"
	"github.com/aimd54/loyalty-ledger/internal/service/rewards"
	"github.com/aimd54/loyalty-ledger/internal/service/rollover"
	"github.com/aimd54/loyalty-ledger/pkg/logger"
)

// LedgerService interface for balance operations.
type LedgerService interface {
	AdjustPoints(ctx context.Context, actor ledger.Actor, req ledger.AdjustRequest) (*ledger.AdjustResult, error)
	CreateProfile(ctx context.Context, actor ledger.Actor, input ledger.NewProfile) (*models.Profile, error)
	History(ctx context.Context, userID string, limit int) ([]models.Transaction, error)
	Reconcile(ctx context.Context, actor ledger.Actor, userID string) (*ledger.Reconciliation, error)
}

// LeaderboardService interface for ranking operations.
type LeaderboardService interface {
	GetTopLoyaltyRanking(ctx context.Context, userID string, limit int) (*leaderboard.Ranking, error)
	GetStanding(ctx context.Context, userID string) (*leaderboard.Standing, error)
}

// RolloverService interface for the monthly rollover.
type RolloverService interface {
	CheckAndSnapshot(ctx context.Context) (*rollover.Result, error)
	PreviousMonthWinners(ctx context.Context) ([]rollover.Winner, error)
	WinnersForMonth(ctx context.Context, month time.Time) ([]rollover.Winner, error)
	RunForMonth(ctx context.Context, month time.Time) (*models.RolloverRun, error)
	TargetMonth() time.Time
}

// ChurnService interface for visit analytics.
type ChurnService interface {
	Classify(ctx context.Context, userID string) (*churn.Classification, error)
	ListAtRisk(ctx context.Context) ([]churn.AtRiskClient, error)
}

// RewardService interface for the reward catalog.
type RewardService interface {
	Catalog(ctx context.Context, activeOnly bool) ([]models.Reward, error)
	Create(ctx context.Context, actor ledger.Actor, input rewards.NewReward) (*models.Reward, error)
	Redeem(ctx context.Context, actor ledger.Actor, rewardID uint, userID, requestID string) (*rewards.Redemption, error)
	SetActive(ctx context.Context, actor ledger.Actor, id uint, active bool) error
}

// Services groups the handler dependencies.
type Services struct {
	Ledger      LedgerService
	Leaderboard LeaderboardService
	Rollover    RolloverService
	Churn       ChurnService
	Rewards     RewardService
}

// Handler handles loyalty API requests.
type Handler struct {
	ledger      LedgerService
	leaderboard LeaderboardService
	rollover    RolloverService
	churn       ChurnService
	rewards     RewardService
	log         *logger.Logger
}

// NewHandler creates a new loyalty handler.
func NewHandler(svc Services, log *logger.Logger) *Handler {
	return &Handler{
		ledger:      svc.Ledger,
		leaderboard: svc.Leaderboard,
		rollover:    svc.Rollover,
		churn:       svc.Churn,
		rewards:     svc.Rewards,
		log:         log.Component("api"),
	}
}

// RegisterRoutes mounts the handlers under group, which must already
// authenticate callers.
func (h *Handler) RegisterRoutes(group *gin.RouterGroup) {
	group.GET("/leaderboard", h.GetLeaderboard)
	group.GET("/leaderboard/winners", h.GetWinners)
	group.GET("/profiles/:id", h.GetProfile)
	group.GET("/profiles/:id/transactions", h.GetTransactions)
	group.GET("/profiles/:id/churn", h.GetChurn)
	group.GET("/rewards", h.GetRewards)

	admin := group.Group("/admin", middleware.RequireRole(models.RoleAdmin))
	admin.POST("/profiles", h.CreateProfile)
	admin.GET("/profiles/:id/reconcile", h.ReconcileProfile)
	admin.POST("/points/adjust", h.AdjustPoints)
	admin.POST("/rollover", h.Rollover)
	admin.GET("/analytics/at-risk", h.GetAtRisk)
	admin.POST("/rewards", h.CreateReward)
	admin.PATCH("/rewards/:id", h.UpdateReward)
	admin.POST("/rewards/:id/redeem", h.RedeemReward)
}

// GetLeaderboard returns the monthly Top-N and optionally a user's rank.
// GET /api/v1/leaderboard?user_id=<uuid>&limit=5.
func (h *Handler) GetLeaderboard(c *gin.Context) {
	limit, err := h.parseLimit(c, leaderboard.DefaultSize, leaderboard.MaxSize)
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	userID := c.Query("user_id")

	ranking, err := h.leaderboard.GetTopLoyaltyRanking(c.Request.Context(), userID, limit)
	if err != nil {
		h.serviceError(c, err, "Failed to get leaderboard")
		return
	}

	response := gin.H{
		"top":           ranking.Top,
		"total_entries": len(ranking.Top),
		"generated_at":  time.Now().UTC(),
	}
	if ranking.UserRank > 0 {
		response["user_rank"] = ranking.UserRank
	}
	c.JSON(http.StatusOK, response)
}

// GetWinners returns the archived winners of a month, the previous one by default.
// GET /api/v1/leaderboard/winners?month=2024-03.
func (h *Handler) GetWinners(c *gin.Context) {
	ctx := c.Request.Context()

	var (
		winners []rollover.Winner
		month   time.Time
		err     error
	)
	if raw := c.Query("month"); raw != "" {
		month, err = rollover.ParseMonth(raw)
		if err != nil {
			h.errorResponse(c, http.StatusBadRequest, err.Error())
			return
		}
		winners, err = h.rollover.WinnersForMonth(ctx, month)
	} else {
		month = h.rollover.TargetMonth()
		winners, err = h.rollover.PreviousMonthWinners(ctx)
	}
	if err != nil {
		h.serviceError(c, err, "Failed to get monthly winners")
		return
	}

	run, err := h.rollover.RunForMonth(ctx, month)
	if err != nil {
		h.serviceError(c, err, "Failed to get rollover status")
		return
	}

	response := gin.H{
		"month":   month.Format("2006-01"),
		"winners": winners,
		"closed":  run != nil,
	}
	if run != nil {
		response["closed_at"] = run.CompletedAt
		response["reset_count"] = run.ResetCount
	}
	c.JSON(http.StatusOK, response)
}

// GetProfile returns a profile's balances and rank.
// GET /api/v1/profiles/:id.
func (h *Handler) GetProfile(c *gin.Context) {
	standing, err := h.leaderboard.GetStanding(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.serviceError(c, err, "Failed to get profile")
		return
	}
	c.JSON(http.StatusOK, standing)
}

// GetTransactions returns a profile's transaction history, newest first.
// GET /api/v1/profiles/:id/transactions?limit=50.
func (h *Handler) GetTransactions(c *gin.Context) {
	limit, err := h.parseLimit(c, 50, 500)
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	txns, err := h.ledger.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.serviceError(c, err, "Failed to get transactions")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":      c.Param("id"),
		"transactions": txns,
		"total":        len(txns),
	})
}

// GetChurn returns the churn classification of a profile.
// GET /api/v1/profiles/:id/churn.
func (h *Handler) GetChurn(c *gin.Context) {
	classification, err := h.churn.Classify(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.serviceError(c, err, "Failed to classify profile")
		return
	}
	c.JSON(http.StatusOK, classification)
}

// GetRewards returns the active reward catalog.
// GET /api/v1/rewards.
func (h *Handler) GetRewards(c *gin.Context) {
	catalog, err := h.rewards.Catalog(c.Request.Context(), true)
	if err != nil {
		h.serviceError(c, err, "Failed to get rewards")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"rewards":     catalog,
		"total_count": len(catalog),
	})
}

// CreateProfile registers a profile.
// POST /api/v1/admin/profiles.
func (h *Handler) CreateProfile(c *gin.Context) {
	var input ledger.NewProfile
	if err := c.ShouldBindJSON(&input); err != nil {
		h.errorResponse(c, http.StatusBadRequest, "invalid request body")
		return
	}

	profile, err := h.ledger.CreateProfile(c.Request.Context(), middleware.ActorFrom(c), input)
	if err != nil {
		h.serviceError(c, err, "Failed to create profile")
		return
	}
	c.JSON(http.StatusCreated, profile)
}

// ReconcileProfile compares a profile's balance with its transaction history.
// GET /api/v1/admin/profiles/:id/reconcile.
func (h *Handler) ReconcileProfile(c *gin.Context) {
	rec, err := h.ledger.Reconcile(c.Request.Context(), middleware.ActorFrom(c), c.Param("id"))
	if err != nil {
		h.serviceError(c, err, "Failed to reconcile profile")
		return
	}
	c.JSON(http.StatusOK, rec)
}

type adjustRequest struct {
	UserID      string `json:"user_id"`
	Amount      *int64 `json:"amount"`
	Description string `json:"description"`
	RequestID   string `json:"request_id"`
}

// AdjustPoints applies a signed point delta.
// POST /api/v1/admin/points/adjust.
func (h *Handler) AdjustPoints(c *gin.Context) {
	var body adjustRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.ledgerError(c, fmt.Errorf("%w: %w", ledger.ErrInvalidAmount, err))
		return
	}
	if body.Amount == nil {
		h.ledgerError(c, ledger.ErrInvalidAmount)
		return
	}

	requestID := body.RequestID
	if requestID == "" {
		requestID = c.GetHeader("Idempotency-Key")
	}

	result, err := h.ledger.AdjustPoints(c.Request.Context(), middleware.ActorFrom(c), ledger.AdjustRequest{
		UserID:      body.UserID,
		Amount:      *body.Amount,
		Description: body.Description,
		RequestID:   requestID,
	})
	if err != nil {
		h.ledgerError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": ledger.Message(nil),
		"result":  result,
	})
}

// Rollover closes the previous month if nobody did yet.
// POST /api/v1/admin/rollover.
func (h *Handler) Rollover(c *gin.Context) {
	result, err := h.rollover.CheckAndSnapshot(c.Request.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Manual rollover failed")
		h.errorResponse(c, http.StatusInternalServerError, "Monthly rollover failed")
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetAtRisk returns the number and list of at-risk clients.
// GET /api/v1/admin/analytics/at-risk.
func (h *Handler) GetAtRisk(c *gin.Context) {
	clients, err := h.churn.ListAtRisk(c.Request.Context())
	if err != nil {
		h.serviceError(c, err, "Failed to compute at-risk clients")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":        len(clients),
		"clients":      clients,
		"generated_at": time.Now().UTC(),
	})
}

// CreateReward adds a reward to the catalog.
// POST /api/v1/admin/rewards.
func (h *Handler) CreateReward(c *gin.Context) {
	var input rewards.NewReward
	if err := c.ShouldBindJSON(&input); err != nil {
		h.errorResponse(c, http.StatusBadRequest, "invalid request body")
		return
	}

	reward, err := h.rewards.Create(c.Request.Context(), middleware.ActorFrom(c), input)
	if err != nil {
		h.serviceError(c, err, "Failed to create reward")
		return
	}
	c.JSON(http.StatusCreated, reward)
}

type updateRewardRequest struct {
	Active *bool `json:"active"`
}

// UpdateReward enables or disables a catalog reward.
// PATCH /api/v1/admin/rewards/:id.
func (h *Handler) UpdateReward(c *gin.Context) {
	rewardID, err := h.parseRewardID(c)
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	var body updateRewardRequest
	if err := c.ShouldBindJSON(&body); err != nil || body.Active == nil {
		h.errorResponse(c, http.StatusBadRequest, "active is required")
		return
	}

	if err := h.rewards.SetActive(c.Request.Context(), middleware.ActorFrom(c), rewardID, *body.Active); err != nil {
		h.serviceError(c, err, "Failed to update reward")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":     rewardID,
		"active": *body.Active,
	})
}

type redeemRequest struct {
	UserID    string `json:"user_id" binding:"required"`
	RequestID string `json:"request_id"`
}

// RedeemReward redeems a catalog reward for a client.
// POST /api/v1/admin/rewards/:id/redeem.
func (h *Handler) RedeemReward(c *gin.Context) {
	rewardID, err := h.parseRewardID(c)
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	var body redeemRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.errorResponse(c, http.StatusBadRequest, "user_id is required")
		return
	}

	redemption, err := h.rewards.Redeem(c.Request.Context(), middleware.ActorFrom(c), rewardID, body.UserID, body.RequestID)
	if err != nil {
		if isLedgerError(err) {
			h.ledgerError(c, err)
			return
		}
		h.serviceError(c, err, "Failed to redeem reward")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"message":    "Reward redeemed",
		"redemption": redemption,
	})
}

// parseRewardID extracts and validates the reward ID from the URL parameter.
func (h *Handler) parseRewardID(c *gin.Context) (uint, error) {
	idStr := c.Param("id")
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid reward ID: %s", idStr)
	}
	return uint(id), nil
}

// parseLimit extracts the limit query parameter, clamping it to [1, maxLimit].
func (h *Handler) parseLimit(c *gin.Context, defaultLimit, maxLimit int) (int, error) {
	limitStr := c.Query("limit")
	if limitStr == "" {
		return defaultLimit, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %s", limitStr)
	}

	if limit < 1 {
		limit = 1
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	return limit, nil
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidProfile),
		errors.Is(err, rewards.ErrInvalidReward):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrUpdateFailed),
		errors.Is(err, ledger.ErrProfileNotFound),
		errors.Is(err, rewards.ErrRewardNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrDuplicateRequest),
		errors.Is(err, rewards.ErrDuplicateReward),
		errors.Is(err, rewards.ErrRewardInactive):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func isLedgerError(err error) bool {
	return errors.Is(err, ledger.ErrInsufficientBalance) ||
		errors.Is(err, ledger.ErrUpdateFailed) ||
		errors.Is(err, ledger.ErrDuplicateRequest) ||
		errors.Is(err, ledger.ErrUnauthorized)
}

// ledgerError sends the {success, error, message} body of point adjustments.
func (h *Handler) ledgerError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Point adjustment failed")
	}
	c.JSON(status, gin.H{
		"success":   false,
		"error":     ledger.Code(err),
		"message":   ledger.Message(err),
		"timestamp": time.Now().UTC(),
	})
}

// serviceError logs unexpected failures and sends a standardized error response.
func (h *Handler) serviceError(c *gin.Context, err error, message string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg(message)
		h.errorResponse(c, status, message)
		return
	}
	h.errorResponse(c, status, err.Error())
}

// errorResponse sends a standardized error response.
func (h *Handler) errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":     message,
		"timestamp": time.Now().UTC(),
	})
}
