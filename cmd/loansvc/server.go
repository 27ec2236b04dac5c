package main

import (
	"assetloans/pkg/apperr"
	"assetloans/pkg/auditquery"
	"assetloans/pkg/loans"
	"assetloans/pkg/risk"
	"assetloans/pkg/rut"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

type server struct {
	db    *gorm.DB
	loans *loans.Service
	query *auditquery.Engine
}

func newRouter(s *server, limiter *rate.Limiter) *gin.Engine {
	router := gin.Default()
	router.Use(requestID())

	api := router.Group("/api/v1")
	api.GET("/loans", s.listLoans)
	api.GET("/loans/history", s.loanHistory)
	api.GET("/loans/upcoming", s.upcomingDue)
	api.GET("/audit-events", s.listAuditEvents)
	api.GET("/borrowers/:borrowerId/risk", s.borrowerRisk)
	api.GET("/risk", s.riskBatch)

	mutations := api.Group("", rateLimit(limiter))
	mutations.POST("/loans", s.checkout)
	mutations.POST("/loans/:loanId/return", s.returnLoan)
	mutations.PATCH("/loans/:loanId/notes", s.updateNotes)

	router.GET("/manage/health", s.healthCheck)
	return router
}

// newLimiter allows perMinute mutations per minute with the given burst.
// A non-positive rate disables limiting.
func newLimiter(perMinute, burst int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst)
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("requestID", id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

func rateLimit(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limited",
				"message": "too many requests",
			})
			return
		}
		c.Next()
	}
}

func respondError(c *gin.Context, err error) {
	code, message := apperr.Public(err)
	c.JSON(apperr.HTTPStatus(err), gin.H{"error": code, "message": message})
}

// actorID reads the acting internal user from X-User-Id.
func actorID(c *gin.Context) (int64, error) {
	raw := strings.TrimSpace(c.GetHeader("X-User-Id"))
	if raw == "" {
		return 0, loans.ErrMissingActor
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Invalid("actor", "X-User-Id must be a positive integer")
	}
	return id, nil
}

func pathID(c *gin.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Invalid(name, "must be a positive integer")
	}
	return id, nil
}

func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Invalid(name, "must be an integer")
	}
	return v, nil
}

func paging(c *gin.Context) (page, limit int, err error) {
	if page, err = queryInt(c, "page", 1); err != nil {
		return 0, 0, err
	}
	if limit, err = queryInt(c, "limit", 0); err != nil {
		return 0, 0, err
	}
	return page, limit, nil
}

func (s *server) checkout(c *gin.Context) {
	actor, err := actorID(c)
	if err != nil {
		respondError(c, err)
		return
	}
	var request struct {
		BorrowerID string  `json:"borrowerId" binding:"required"`
		ResourceID int64   `json:"resourceId" binding:"required"`
		DueDate    string  `json:"dueDate"`
		Notes      *string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	in := loans.CheckoutInput{
		ActorID:    actor,
		BorrowerID: request.BorrowerID,
		ResourceID: request.ResourceID,
		Notes:      request.Notes,
	}
	if request.DueDate != "" {
		due, err := time.Parse("2006-01-02", request.DueDate)
		if err != nil {
			respondError(c, apperr.Invalid("dueDate", "expected YYYY-MM-DD"))
			return
		}
		in.DueDate = &due
	}

	result, err := s.loans.Checkout(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (s *server) returnLoan(c *gin.Context) {
	actor, err := actorID(c)
	if err != nil {
		respondError(c, err)
		return
	}
	loanID, err := pathID(c, "loanId")
	if err != nil {
		respondError(c, err)
		return
	}
	result, err := s.loans.Return(c.Request.Context(), actor, loanID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *server) updateNotes(c *gin.Context) {
	actor, err := actorID(c)
	if err != nil {
		respondError(c, err)
		return
	}
	loanID, err := pathID(c, "loanId")
	if err != nil {
		respondError(c, err)
		return
	}
	var request struct {
		Notes *string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err := s.loans.UpdateNotes(c.Request.Context(), actor, loanID, request.Notes); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) listLoans(c *gin.Context) {
	page, limit, err := paging(c)
	if err != nil {
		respondError(c, err)
		return
	}
	filter := auditquery.LoanFilter{
		From:         c.Query("from"),
		To:           c.Query("to"),
		ResourceID:   c.Query("resource_id"),
		CategoryID:   c.Query("category_id"),
		LocationID:   c.Query("location_id"),
		RegisteredBy: c.Query("registered_by"),
		BorrowerID:   c.Query("borrower_id"),
		Status:       c.Query("status"),
		Mode:         c.Query("mode"),
		RefType:      c.Query("ref_type"),
		Ref:          c.Query("ref"),
	}
	result, err := s.query.ListLoans(c.Request.Context(), filter, page, limit, c.Query("sort"), c.Query("dir"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *server) listAuditEvents(c *gin.Context) {
	page, limit, err := paging(c)
	if err != nil {
		respondError(c, err)
		return
	}
	filter := auditquery.AuditFilter{
		From:       c.Query("from"),
		To:         c.Query("to"),
		EventType:  c.Query("event_type"),
		ActorID:    c.Query("actor_id"),
		ResourceID: c.Query("resource_id"),
		CategoryID: c.Query("category_id"),
		LocationID: c.Query("location_id"),
		LoanID:     c.Query("loan_id"),
		BorrowerID: c.Query("borrower_id"),
		RefType:    c.Query("ref_type"),
		Ref:        c.Query("ref"),
	}
	result, err := s.query.ListAuditEvents(c.Request.Context(), filter, page, limit, c.Query("dir"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *server) loanHistory(c *gin.Context) {
	rows, err := s.loans.History(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *server) upcomingDue(c *gin.Context) {
	rows, err := s.loans.UpcomingDue(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *server) borrowerRisk(c *gin.Context) {
	borrowerID, err := rut.Normalize(c.Param("borrowerId"))
	if err != nil {
		respondError(c, loans.ErrInvalidIdentifier)
		return
	}
	history, err := queryInt(c, "history", risk.DefaultHistory)
	if err != nil {
		respondError(c, err)
		return
	}
	snap, err := s.loans.Scorer().Score(c.Request.Context(), nil, borrowerID, history)
	if err != nil {
		respondError(c, apperr.Internal("risk score", err))
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *server) riskBatch(c *gin.Context) {
	maxResults, err := queryInt(c, "max", risk.MaxBatch)
	if err != nil {
		respondError(c, err)
		return
	}
	history, err := queryInt(c, "history", risk.DefaultHistory)
	if err != nil {
		respondError(c, err)
		return
	}
	snaps, err := s.loans.Scorer().Batch(c.Request.Context(), maxResults, history)
	if err != nil {
		respondError(c, apperr.Internal("risk batch", err))
		return
	}
	c.JSON(http.StatusOK, snaps)
}

func (s *server) healthCheck(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "DOWN",
			"details": "Database connection failed",
			"error":   err.Error(),
		})
		return
	}
	if err := sqlDB.PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "DOWN",
			"details": "Database ping failed",
			"error":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "UP"})
}
