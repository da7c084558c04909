package ops

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"avfuel/internal/core/apperror"
	"avfuel/internal/core/id"
	"avfuel/internal/domain/ledger"
	"avfuel/internal/domain/recalc"
	"avfuel/internal/infrastructure/storage/postgres"
)

// Database is what the readiness probe checks.
type Database interface {
	Ping(ctx context.Context) error
	Stats() postgres.PoolStats
}

// Queue is the operator view of the recalculation queue.
type Queue interface {
	ListFailed(ctx context.Context, limit int) ([]*recalc.Task, error)
	Retry(ctx context.Context, taskID id.ID, actor string) (*recalc.Task, error)
	HasPendingTasks(ctx context.Context, key ledger.AccountKey) (bool, error)
	Enqueue(ctx context.Context, key ledger.AccountKey, afterDate time.Time, actor string, priority int) (*recalc.Task, error)
}

// Replayer runs a replay synchronously.
type Replayer interface {
	ProcessImmediately(ctx context.Context, key ledger.AccountKey, afterDate time.Time, actor string) error
}

// AccountReader reads account state.
type AccountReader interface {
	GetAccount(ctx context.Context, key ledger.AccountKey) (*ledger.Account, error)
}

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	db Database
}

// NewHealthHandler creates a health handler. db may be nil for processes without a pool.
func NewHealthHandler(db Database) *HealthHandler {
	return &HealthHandler{db: db}
}

// Live handles GET /health/live.
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready handles GET /health/ready.
func (h *HealthHandler) Ready(c *gin.Context) {
	if h.db == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	if err := h.db.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "error",
			"checks": gin.H{"database": "unhealthy"},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"checks": gin.H{"database": "healthy"},
		"pool":   h.db.Stats(),
	})
}

// RecalcHandler exposes queue operations to operators.
type RecalcHandler struct {
	queue    Queue
	replayer Replayer
	accounts AccountReader
}

// NewRecalcHandler creates a recalculation handler.
func NewRecalcHandler(queue Queue, replayer Replayer, accounts AccountReader) *RecalcHandler {
	return &RecalcHandler{queue: queue, replayer: replayer, accounts: accounts}
}

// ListFailed handles GET /recalc/failed?limit=N.
func (h *RecalcHandler) ListFailed(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			fail(c, apperror.NewValidation("limit must be an integer"))
			return
		}
		limit = n
	}

	tasks, err := h.queue.ListFailed(c.Request.Context(), limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": tasks, "count": len(tasks)})
}

// Retry handles POST /recalc/tasks/:id/retry.
func (h *RecalcHandler) Retry(c *gin.Context) {
	taskID, err := id.Parse(c.Param("id"))
	if err != nil {
		fail(c, apperror.NewValidation("invalid task id"))
		return
	}

	task, err := h.queue.Retry(c.Request.Context(), taskID, actorOf(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// Pending handles GET /recalc/pending/:warehouse/:product.
func (h *RecalcHandler) Pending(c *gin.Context) {
	key, ok := accountParam(c)
	if !ok {
		return
	}
	pending, err := h.queue.HasPendingTasks(c.Request.Context(), key)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": key, "pending": pending})
}

// Account handles GET /accounts/:warehouse/:product.
func (h *RecalcHandler) Account(c *gin.Context) {
	key, ok := accountParam(c)
	if !ok {
		return
	}
	acc, err := h.accounts.GetAccount(c.Request.Context(), key)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, acc)
}

// ReplayRequest asks for a replay of one account.
type ReplayRequest struct {
	WarehouseID string `json:"warehouseId" binding:"required"`
	Product     string `json:"product" binding:"required"`
	// AfterDate is RFC 3339 or YYYY-MM-DD.
	AfterDate string `json:"afterDate" binding:"required"`
	// Enqueue queues the replay at operator priority instead of running it now.
	Enqueue bool `json:"enqueue"`
}

// Replay handles POST /recalc/replay.
func (h *RecalcHandler) Replay(c *gin.Context) {
	var req ReplayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperror.NewValidation("invalid request body").WithDetail("error", err.Error()))
		return
	}
	key, err := ParseAccount(req.WarehouseID, req.Product)
	if err != nil {
		fail(c, err)
		return
	}
	afterDate, err := ParseDate(req.AfterDate)
	if err != nil {
		fail(c, err)
		return
	}

	ctx := c.Request.Context()
	if req.Enqueue {
		task, err := h.queue.Enqueue(ctx, key, afterDate, actorOf(c), ledger.PriorityOperator)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, task)
		return
	}

	if err := h.replayer.ProcessImmediately(ctx, key, afterDate, actorOf(c)); err != nil {
		fail(c, err)
		return
	}
	acc, err := h.accounts.GetAccount(ctx, key)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, acc)
}

// ParseDate accepts RFC 3339 timestamps and plain dates (UTC midnight).
func ParseDate(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, apperror.NewValidation("date must be RFC 3339 or YYYY-MM-DD").WithDetail("value", raw)
}

func accountParam(c *gin.Context) (ledger.AccountKey, bool) {
	key, err := ParseAccount(c.Param("warehouse"), c.Param("product"))
	if err != nil {
		fail(c, err)
		return ledger.AccountKey{}, false
	}
	return key, true
}

// ParseAccount builds a validated key from a warehouse id and a case-insensitive product.
func ParseAccount(warehouse, product string) (ledger.AccountKey, error) {
	warehouseID, err := id.Parse(warehouse)
	if err != nil {
		return ledger.AccountKey{}, apperror.NewValidation("invalid warehouse id")
	}
	key := ledger.NewAccountKey(warehouseID, ledger.ProductType(strings.ToUpper(product)))
	if err := key.Validate(); err != nil {
		return ledger.AccountKey{}, err
	}
	return key, nil
}

// fail registers the error for ErrorHandler and stops the chain.
func fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}
