package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"trigger-core/internal/order"
	"trigger-core/internal/trigger"

	"github.com/gin-gonic/gin"
)

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":       s.Meta.Version,
		"instruments":   s.Meta.Instruments,
		"use_mock_feed": s.Meta.UseMockFeed,
		"dry_run":       s.Meta.DryRun,
		"time":          time.Now().UTC(),
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

type orderView struct {
	ID         string          `json:"id"`
	Owner      string          `json:"owner"`
	Instrument string          `json:"instrument"`
	Side       string          `json:"side"`
	Qty        float64         `json:"qty"`
	FilledQty  float64         `json:"filled_qty"`
	Status     string          `json:"status"`
	Conditions json.RawMessage `json:"conditions,omitempty"`
	Meta       order.Metadata  `json:"meta"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  *time.Time      `json:"expires_at,omitempty"`
}

func toView(o order.Order) orderView {
	v := orderView{
		ID:         o.ID,
		Owner:      o.Owner,
		Instrument: o.Instrument,
		Side:       string(o.Side),
		Qty:        o.Qty,
		FilledQty:  o.FilledQty,
		Status:     string(o.Status),
		Meta:       o.Meta,
		CreatedAt:  o.CreatedAt,
	}
	if !o.ExpiresAt.IsZero() {
		v.ExpiresAt = &o.ExpiresAt
	}
	if o.Conditions != nil {
		if raw, err := trigger.MarshalCondition(o.Conditions); err == nil {
			v.Conditions = raw
		}
	}
	return v
}

func (s *Server) listOrders(c *gin.Context) {
	owner := CurrentUserID(c)
	var statuses []order.Status
	if q := c.Query("status"); q != "" {
		statuses = append(statuses, order.Status(q))
	}

	var out []orderView
	for _, o := range s.Repo.List(statuses...) {
		if o.Owner != owner {
			continue
		}
		out = append(out, toView(o))
	}
	if out == nil {
		out = []orderView{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": out})
}

type createOrderRequest struct {
	Instrument string            `json:"instrument"`
	Side       string            `json:"side"`
	Qty        float64           `json:"qty"`
	Conditions json.RawMessage   `json:"conditions"`
	Exec       *order.ExecConfig `json:"exec,omitempty"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
	Tag        string            `json:"tag,omitempty"`
}

func (s *Server) createOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}

	cond, err := trigger.UnmarshalCondition(req.Conditions)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_CONDITIONS",
			"error": err.Error(),
		})
		return
	}

	exec := order.DefaultExecConfig()
	if req.Exec != nil {
		exec = *req.Exec
	}

	o := &order.Order{
		Owner:      CurrentUserID(c),
		Instrument: req.Instrument,
		Side:       order.Side(req.Side),
		Qty:        req.Qty,
		Conditions: cond,
		Exec:       exec,
		Meta:       order.Metadata{StrategyTag: req.Tag},
	}
	if req.ExpiresAt != nil {
		o.ExpiresAt = *req.ExpiresAt
	}

	if err := s.Repo.Create(c.Request.Context(), o); err != nil {
		if errors.Is(err, order.ErrInvalidOrder) {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":  "INVALID_ORDER",
				"error": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "CREATE_FAILED",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, toView(*o))
}

// ownedOrder loads an order and enforces ownership.
func (s *Server) ownedOrder(c *gin.Context) (order.Order, bool) {
	o, err := s.Repo.Get(c.Param("id"))
	if err != nil || o.Owner != CurrentUserID(c) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "ORDER_NOT_FOUND",
			"error": "order not found",
		})
		return order.Order{}, false
	}
	return o, true
}

func (s *Server) getOrder(c *gin.Context) {
	o, ok := s.ownedOrder(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toView(o))
}

func (s *Server) cancelOrder(c *gin.Context) {
	o, ok := s.ownedOrder(c)
	if !ok {
		return
	}
	if err := s.Repo.Cancel(c.Request.Context(), o.ID); err != nil {
		if errors.Is(err, order.ErrInvalidTransition) {
			c.JSON(http.StatusConflict, gin.H{
				"code":  "ALREADY_TERMINAL",
				"error": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "CANCEL_FAILED",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(order.StatusCancelled)})
}

func (s *Server) listExecutions(c *gin.Context) {
	o, ok := s.ownedOrder(c)
	if !ok {
		return
	}
	rows, err := s.Store.ListExecutions(c.Request.Context(), o.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "QUERY_FAILED",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": rows})
}

func (s *Server) getResilience(c *gin.Context) {
	endpoints := gin.H{}
	limiter := s.Guard.Limiter()
	for _, name := range limiter.Endpoints() {
		used, limit := limiter.Usage(name)
		endpoints[name] = gin.H{"used": used, "limit": limit}
	}
	c.JSON(http.StatusOK, gin.H{
		"breakers":  s.Guard.Snapshots(),
		"endpoints": endpoints,
	})
}

// forceCloseBreaker is the operational override: it closes a breaker without
// waiting for the half-open probe cycle.
func (s *Server) forceCloseBreaker(c *gin.Context) {
	dep := c.Param("dep")
	s.Guard.Breaker(dep).ForceClose()
	c.JSON(http.StatusOK, gin.H{"dependency": dep, "state": "CLOSED"})
}
