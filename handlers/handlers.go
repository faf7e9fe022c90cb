package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/winder87-stack/-polymarket-copy-bot-sub001/alerts"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/cache"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/middleware"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/models"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/risk"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/syncer"
)

// Trader accepts candidate trades
type Trader interface {
	Process(ctx context.Context, c models.CandidateTrade) models.ExecutionResult
	GetMetrics() syncer.CopyTraderMetrics
}

// Portfolio exposes what the executor currently holds
type Portfolio interface {
	OpenPositions() []models.Position
	CacheStats() []cache.Stats
}

// Breaker is the operator view of the circuit breaker
type Breaker interface {
	State() risk.State
	Trip(ctx context.Context, reason string)
	Reset(ctx context.Context, reason string) risk.State
}

// Handler handles HTTP requests
type Handler struct {
	trader    Trader
	portfolio Portfolio
	breaker   Breaker
	log       *zap.Logger
	started   time.Time
}

// NewHandler creates a new handler
func NewHandler(trader Trader, portfolio Portfolio, breaker Breaker, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		trader:    trader,
		portfolio: portfolio,
		breaker:   breaker,
		log:       logger,
		started:   time.Now(),
	}
}

// Router mounts every route. /health and /metrics stay open; /api sits behind auth.
func (h *Handler) Router(auth gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestLogger(h.log), middleware.Recovery(h.log))

	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	if auth != nil {
		api.Use(auth)
	}
	api.GET("/breaker", h.GetBreaker)
	api.POST("/breaker/reset", h.ResetBreaker)
	api.POST("/breaker/trip", h.TripBreaker)
	api.GET("/positions", h.GetPositions)
	api.GET("/cache/stats", h.GetCacheStats)
	api.GET("/metrics", h.GetMetrics)
	api.POST("/execute", h.Execute)
	return r
}

// Health is a liveness probe that also reports whether trading is halted
func (h *Handler) Health(c *gin.Context) {
	s := h.breaker.State()
	status := "ok"
	if s.Active {
		status = "halted"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         status,
		"breaker_active": s.Active,
		"open_positions": len(h.portfolio.OpenPositions()),
		"uptime_sec":     int64(time.Since(h.started).Seconds()),
	})
}

type breakerView struct {
	Active              bool          `json:"active"`
	Reason              string        `json:"reason,omitempty"`
	Kind                risk.TripKind `json:"kind,omitempty"`
	DailyLoss           string        `json:"daily_loss"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	ActivatedAt         *time.Time    `json:"activated_at,omitempty"`
	CooldownEndsAt      *time.Time    `json:"cooldown_ends_at,omitempty"`
	TripsToday          int           `json:"trips_today"`
	Wallet              string        `json:"wallet"`
}

func viewBreaker(s risk.State) breakerView {
	v := breakerView{
		Active:              s.Active,
		Reason:              s.Reason,
		Kind:                s.Kind,
		DailyLoss:           s.DailyLoss.String(),
		ConsecutiveFailures: s.ConsecutiveFailures,
		TripsToday:          s.TripsToday,
		Wallet:              alerts.MaskAddress(s.Wallet),
	}
	if s.Active {
		at := s.ActivatedAt
		v.ActivatedAt = &at
		if end := s.CooldownEndsAt(); !end.IsZero() && s.Kind != risk.TripManual {
			v.CooldownEndsAt = &end
		}
	}
	return v
}

// GetBreaker returns the breaker state
func (h *Handler) GetBreaker(c *gin.Context) {
	c.JSON(http.StatusOK, viewBreaker(h.breaker.State()))
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func bindReason(c *gin.Context, fallback string) (string, bool) {
	var req reasonRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return "", false
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = fallback
	}
	return reason, true
}

// ResetBreaker clears the breaker by hand
func (h *Handler) ResetBreaker(c *gin.Context) {
	reason, ok := bindReason(c, "manual reset via api")
	if !ok {
		return
	}
	s := h.breaker.Reset(c.Request.Context(), reason)
	h.log.Warn("circuit breaker reset via api", zap.String("reason", reason))
	c.JSON(http.StatusOK, viewBreaker(s))
}

// TripBreaker halts new trades until reset or cooldown
func (h *Handler) TripBreaker(c *gin.Context) {
	reason, ok := bindReason(c, "manual trip via api")
	if !ok {
		return
	}
	h.breaker.Trip(c.Request.Context(), reason)
	h.log.Warn("circuit breaker tripped via api", zap.String("reason", reason))
	c.JSON(http.StatusOK, viewBreaker(h.breaker.State()))
}

type positionView struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	TokenID    string    `json:"token_id"`
	Amount     string    `json:"amount"`
	EntryPrice string    `json:"entry_price"`
	CreatedAt  time.Time `json:"created_at"`
	AgeSec     int64     `json:"age_sec"`
	Source     string    `json:"source_wallet"`
	Strategy   string    `json:"strategy,omitempty"`
}

// GetPositions lists open positions, oldest first
func (h *Handler) GetPositions(c *gin.Context) {
	open := h.portfolio.OpenPositions()
	now := time.Now()
	out := make([]positionView, 0, len(open))
	for _, p := range open {
		out = append(out, positionView{
			ID:         p.ID,
			Key:        p.Key.String(),
			TokenID:    p.TokenID,
			Amount:     p.Amount.String(),
			EntryPrice: p.EntryPrice.String(),
			CreatedAt:  p.CreatedAt,
			AgeSec:     int64(p.Age(now).Seconds()),
			Source:     alerts.MaskAddress(p.Source.WalletAddress),
			Strategy:   p.Key.Strategy,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"positions": out,
		"count":     len(out),
	})
}

// GetCacheStats reports size and hit rates of the bounded caches
func (h *Handler) GetCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"caches": h.portfolio.CacheStats()})
}

// GetMetrics returns the copy trader counters
func (h *Handler) GetMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.trader.GetMetrics())
}

// Execute submits one candidate trade by hand, through the same pipeline the
// scanner feed uses.
func (h *Handler) Execute(c *gin.Context) {
	var req models.CandidateTrade
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}
	if side, err := models.ParseSide(string(req.Side)); err == nil {
		req.Side = side
	}

	res := h.trader.Process(c.Request.Context(), req)
	c.JSON(statusCode(res.Status), res)
}

func statusCode(s models.ExecutionStatus) int {
	switch s {
	case models.StatusSuccess:
		return http.StatusOK
	case models.StatusInvalid:
		return http.StatusBadRequest
	case models.StatusRejected, models.StatusSkipped:
		return http.StatusUnprocessableEntity
	case models.StatusBlocked:
		return http.StatusServiceUnavailable
	case models.StatusFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
