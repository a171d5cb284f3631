package httpgin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kirinyoku/tix-rush/internal/domain"
	redisrepo "github.com/kirinyoku/tix-rush/internal/repository/redis"
	"github.com/kirinyoku/tix-rush/internal/service/ratelimit"
	"github.com/kirinyoku/tix-rush/internal/service/records"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

const idemLockTTL = 30 * time.Second

type Admission interface {
	Submit(ctx context.Context, userID int64, date, requestID string) (domain.PurchaseIntent, error)
	GetStatus(ctx context.Context, requestID string) (*domain.PurchaseRequest, error)
}

type Records interface {
	Fetch(ctx context.Context, userID int64) records.Result
}

type Inventory interface {
	GetInventory(ctx context.Context, date string) (*domain.TicketInventory, error)
	SetStock(ctx context.Context, date string, stock int64) (*domain.TicketInventory, error)
}

type Deps struct {
	Admission Admission
	Records   Records
	Inventory Inventory

	// Limiter and EdgeRule guard POST /purchases per client address. The
	// guard is skipped when Limiter is nil.
	Limiter  *ratelimit.Limiter
	EdgeRule ratelimit.Rule

	Idem   *redisrepo.IdempotencyStore
	Health func(ctx context.Context) error
	Logger *slog.Logger
}

func NewRouter(d Deps, middlewares ...gin.HandlerFunc) *gin.Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	r := gin.New()

	r.Use(gin.Recovery(), RequestIDMiddleware(), LoggingMiddleware(d.Logger), Metrics(), CORS())
	for _, m := range middlewares {
		if m != nil {
			r.Use(m)
		}
	}

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", handleHealth(d.Health))

	purchase := []gin.HandlerFunc{}
	if d.Limiter != nil {
		purchase = append(purchase, RateLimit(d.Limiter, d.EdgeRule, ClientIPSubject))
	}
	purchase = append(purchase, handleSubmitPurchase(d.Admission, d.Idem))

	r.POST("/purchases", purchase...)
	r.GET("/purchases/:id", handleGetPurchase(d.Admission))
	r.GET("/users/:id/purchases", handleUserPurchases(d.Records))
	r.GET("/inventory/:date", handleGetInventory(d.Inventory))

	admin := r.Group("/admin")
	{
		admin.PUT("/inventory/:date", handleSetStock(d.Inventory))
	}

	return r
}

func handleHealth(check func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if check != nil {
			if err := check(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// @Summary  Submit a purchase (idempotent)
// @Param    req body  PurchaseRequest true "payload"
// @Param    Idempotency-Key header string false "client request id"
// @Success  202 {object} PurchaseAcceptedResponse
// @Failure  400 {object} ErrorResponse
// @Failure  409 {object} ErrorResponse "idempotency key in progress or used by another user"
// @Failure  410 {object} ErrorResponse "sold out"
// @Failure  429 {object} ErrorResponse "rate limited"
// @Failure  503 {object} ErrorResponse "store unavailable"
// @Router   /purchases [post]
func handleSubmitPurchase(svc Admission, idem *redisrepo.IdempotencyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req PurchaseRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		ctx := c.Request.Context()

		idemKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
		var storageKey string
		if idem != nil && idemKey != "" {
			storageKey = redisrepo.KeyIdemPurchase(req.UserID, idemKey)

			state, payload, err := idem.Reserve(ctx, storageKey, idemLockTTL)
			if err != nil {
				respondErr(c, domain.ErrStoreUnavailable)
				return
			}

			switch state {
			case redisrepo.IdemDone:
				c.Header("Idempotency-Key", idemKey)
				c.Data(http.StatusAccepted, "application/json; charset=utf-8", []byte(payload))
				return
			case redisrepo.IdemInFlight:
				c.Header("Retry-After", "1")
				c.AbortWithStatusJSON(http.StatusConflict, ErrorResponse{
					Code:      codeIdempotencyInProgress,
					Message:   "a request with this idempotency key is in progress",
					RequestID: c.GetString(ctxRequestID),
				})
				return
			}
		}

		intent, err := svc.Submit(ctx, req.UserID, req.Date, idemKey)
		if err != nil {
			if storageKey != "" {
				_ = idem.Release(ctx, storageKey)
			}
			respondErr(c, err)
			return
		}

		resp := PurchaseAcceptedResponse{
			RequestID: intent.RequestID,
			UserID:    intent.UserID,
			Date:      intent.Date,
			Status:    domain.StatusPending,
		}

		if storageKey != "" {
			b, _ := json.Marshal(resp)
			_ = idem.Complete(ctx, storageKey, string(b))
			c.Header("Idempotency-Key", idemKey)
		}

		c.Header("Location", "/purchases/"+intent.RequestID)
		c.JSON(http.StatusAccepted, resp)
	}
}

// @Summary  Purchase processing status
// @Param    id  path  string  true  "Request ID"
// @Success  200 {object} PurchaseStatusResponse
// @Failure  404 {object} ErrorResponse
// @Router   /purchases/{id} [get]
func handleGetPurchase(svc Admission) gin.HandlerFunc {
	return func(c *gin.Context) {
		pr, err := svc.GetStatus(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, PurchaseStatusResponse{
			RequestID: pr.RequestID,
			UserID:    pr.UserID,
			Date:      pr.Date,
			Status:    pr.Status,
			Reason:    pr.Reason,
			UpdatedAt: pr.UpdatedAt,
		})
	}
}

// @Summary  Purchase history of a user
// @Param    id  path  int  true  "User ID"
// @Success  200 {object} PurchaseRecordsResponse
// @Router   /users/{id}/purchases [get]
func handleUserPurchases(svc Records) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}

		res := svc.Fetch(c.Request.Context(), userID)

		c.Header("X-Cache", string(res.Source))
		writeJSONWithCache(c, http.StatusOK, PurchaseRecordsResponse{
			UserID:   userID,
			Records:  res.Records,
			Degraded: res.Degraded,
		}, "private, no-cache")
	}
}

// @Summary  Remaining stock of a date
// @Param    date  path  string  true  "YYYY-MM-DD"
// @Success  200 {object} domain.TicketInventory
// @Failure  404 {object} ErrorResponse
// @Router   /inventory/{date} [get]
func handleGetInventory(svc Inventory) gin.HandlerFunc {
	return func(c *gin.Context) {
		inv, err := svc.GetInventory(c.Request.Context(), c.Param("date"))
		if err != nil {
			respondErr(c, err)
			return
		}

		writeJSONWithCache(c, http.StatusOK, inv, "public, max-age=1")
	}
}

// @Summary  Set remaining stock of a date
// @Param    date  path  string  true  "YYYY-MM-DD"
// @Param    req body  SetStockRequest true "payload"
// @Success  200 {object} domain.TicketInventory
// @Failure  400 {object} ErrorResponse
// @Router   /admin/inventory/{date} [put]
func handleSetStock(svc Inventory) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SetStockRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		inv, err := svc.SetStock(c.Request.Context(), c.Param("date"), *req.Stock)
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, inv)
	}
}

func parseInt64Param(c *gin.Context, name string) (int64, bool) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || v <= 0 {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return v, true
}
