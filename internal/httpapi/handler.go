package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"nightowl-rewards/pkg/errutil"
	"nightowl-rewards/pkg/health"
	"nightowl-rewards/pkg/middleware"
	"nightowl-rewards/services/rewards"
)

var Module = fx.Module("httpapi",
	fx.Provide(NewRouter),
)

type Handler struct {
	rewards *rewards.Service
}

type Params struct {
	fx.In

	Rewards *rewards.Service
	Health  health.HealthService
}

// NewRouter builds the gin engine consumed by pkg/server. The API is for
// internal consumption by the app backend, not a public surface.
func NewRouter(p Params) *gin.Engine {
	h := &Handler{rewards: p.Rewards}

	r := gin.New()
	r.Use(gin.Recovery(), middleware.Error())

	r.GET("/healthz", p.Health.Liveness)
	r.GET("/readyz", p.Health.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	{
		v1.POST("/rewards/actions", h.reportAction)
		v1.POST("/referrals/redeem", h.redeemReferral)

		users := v1.Group("/users/:user_id")
		{
			users.GET("/account", h.getAccount)
			users.GET("/transactions", h.listTransactions)
			users.POST("/checkin", h.checkIn)
			users.POST("/referral-code", h.issueReferralCode)
			users.GET("/badges", h.getBadges)
			users.POST("/badges/evaluate", h.evaluateBadges)
		}
	}

	return r
}

type reportActionRequest struct {
	UserID   string         `json:"user_id" binding:"required"`
	ActionID string         `json:"action_id" binding:"required"`
	EventID  string         `json:"event_id"`
	Metadata map[string]any `json:"metadata"`
}

func (h *Handler) reportAction(c *gin.Context) {
	var req reportActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	result, err := h.rewards.ReportAction(c.Request.Context(), rewards.ReportActionParams{
		UserID:   req.UserID,
		ActionID: req.ActionID,
		EventID:  req.EventID,
		Metadata: req.Metadata,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) getAccount(c *gin.Context) {
	view, err := h.rewards.GetAccount(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) listTransactions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	txns, err := h.rewards.ListTransactions(c.Request.Context(), c.Param("user_id"), limit)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns})
}

func (h *Handler) checkIn(c *gin.Context) {
	result, err := h.rewards.CheckIn(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) issueReferralCode(c *gin.Context) {
	code, err := h.rewards.IssueReferralCode(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, code)
}

type redeemReferralRequest struct {
	Code   string `json:"code" binding:"required"`
	UserID string `json:"user_id" binding:"required"`
}

func (h *Handler) redeemReferral(c *gin.Context) {
	var req redeemReferralRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	result, err := h.rewards.RedeemReferralCode(c.Request.Context(), req.Code, req.UserID)
	if err != nil {
		c.Error(err)
		return
	}

	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, result)
}

func (h *Handler) getBadges(c *gin.Context) {
	progress, err := h.rewards.GetBadgeProgress(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"badges": progress})
}

func (h *Handler) evaluateBadges(c *gin.Context) {
	awarded, err := h.rewards.EvaluateBadges(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"awarded": awarded})
}
