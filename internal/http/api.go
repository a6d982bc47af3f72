package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"mediafetch/internal/domain"
	"mediafetch/internal/downloader"
	"mediafetch/internal/metrics"
	"mediafetch/internal/resolver"
	"mediafetch/internal/service"
)

const userIDKey = "user_id"

// Options configures the HTTP surface.
type Options struct {
	Manager  downloader.Manager
	Accounts service.AccountService
	History  service.HistoryService
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer

	JWTSecret  string
	AdminUsers []int64
	RateLimit  float64
	Burst      int
	Logger     *logrus.Logger
}

// Handler wires HTTP routes to the job orchestrator and account services.
type Handler struct {
	manager  downloader.Manager
	accounts service.AccountService
	history  service.HistoryService
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	secret   []byte
	admins   map[int64]struct{}
	logger   *logrus.Logger

	limit     rate.Limit
	burst     int
	now       func() time.Time
	mu        sync.Mutex
	limiters  map[int64]*userLimiter
	lastSweep time.Time
}

type userLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

const limiterSweepInterval = time.Minute

func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 20
	}
	admins := make(map[int64]struct{}, len(opts.AdminUsers))
	for _, id := range opts.AdminUsers {
		admins[id] = struct{}{}
	}
	return &Handler{
		manager:  opts.Manager,
		accounts: opts.Accounts,
		history:  opts.History,
		metrics:  opts.Metrics,
		gatherer: opts.Gatherer,
		secret:   []byte(opts.JWTSecret),
		admins:   admins,
		logger:   opts.Logger,
		limit:    rate.Limit(opts.RateLimit),
		burst:    opts.Burst,
		now:      time.Now,
		limiters: make(map[int64]*userLimiter),
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware(), h.metricsMiddleware())

	if h.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}
	router.GET("/api/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
	})

	api := router.Group("/api", h.authMiddleware(), h.rateLimitMiddleware())
	{
		api.POST("/jobs", h.submitJob)
		api.GET("/jobs", h.listJobs)
		api.GET("/jobs/:id", h.getJob)
		api.DELETE("/jobs/:id", h.cancelJob)
		api.GET("/account", h.getAccount)
	}

	admin := api.Group("/admin", h.adminMiddleware())
	{
		admin.GET("/jobs", h.listAllJobs)
		admin.GET("/accounts", h.listAccounts)
		admin.POST("/accounts/:user/grant", h.grantCredits)
		admin.POST("/accounts/:user/block", h.blockAccount)
		admin.POST("/accounts/:user/reset", h.resetWindow)
		admin.DELETE("/cache/:fingerprint", h.invalidateCache)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (h *Handler) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		h.metrics.HTTPRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

func (h *Handler) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		now := h.now()
		if !h.limiterFor(c.GetInt64(userIDKey), now).AllowN(now, 1) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

func (h *Handler) limiterFor(userID int64, now time.Time) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	if now.Sub(h.lastSweep) >= limiterSweepInterval {
		h.sweepLimiters(now)
	}
	ul, ok := h.limiters[userID]
	if !ok {
		ul = &userLimiter{lim: rate.NewLimiter(h.limit, h.burst)}
		h.limiters[userID] = ul
	}
	ul.lastSeen = now
	return ul.lim
}

// sweepLimiters drops limiters idle long enough to have refilled their
// bucket; a fresh limiter behaves the same. Callers hold h.mu.
func (h *Handler) sweepLimiters(now time.Time) {
	idle := time.Duration(float64(h.burst) / float64(h.limit) * float64(time.Second))
	if idle < limiterSweepInterval {
		idle = limiterSweepInterval
	}
	for id, ul := range h.limiters {
		if now.Sub(ul.lastSeen) > idle {
			delete(h.limiters, id)
		}
	}
	h.lastSweep = now
}

func (h *Handler) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !h.isAdmin(c.GetInt64(userIDKey)) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin only"})
			return
		}
		c.Next()
	}
}

func (h *Handler) isAdmin(userID int64) bool {
	_, ok := h.admins[userID]
	return ok
}

type submitJobRequest struct {
	URL       string `json:"url"`
	Text      string `json:"text"`
	Quality   string `json:"quality"`
	AudioOnly bool   `json:"audio_only"`
}

func (h *Handler) submitJob(c *gin.Context) {
	var req submitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rawURL := strings.TrimSpace(req.URL)
	if rawURL == "" {
		// chat clients forward the whole message
		found, err := resolver.ExtractURL(req.Text)
		if err != nil {
			writeError(c, err)
			return
		}
		rawURL = found
	}

	id, err := h.manager.Submit(c.Request.Context(), c.GetInt64(userIDKey), rawURL, domain.FormatChoice{
		Quality:   req.Quality,
		AudioOnly: req.AudioOnly,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

func (h *Handler) listJobs(c *gin.Context) {
	userID := c.GetInt64(userIDKey)
	if c.Query("history") == "" {
		c.JSON(http.StatusOK, jobsToResponse(h.manager.ListActive(userID)))
		return
	}
	if h.history == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "job history not configured"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	jobs, err := h.history.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobsToResponse(jobs))
}

func (h *Handler) listAllJobs(c *gin.Context) {
	c.JSON(http.StatusOK, jobsToResponse(h.manager.ListActive(0)))
}

func (h *Handler) getJob(c *gin.Context) {
	job, ok := h.ownedJob(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, jobToResponse(*job))
}

func (h *Handler) cancelJob(c *gin.Context) {
	job, ok := h.ownedJob(c)
	if !ok {
		return
	}

	cancelCtx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	if err := h.manager.Cancel(cancelCtx, job.ID); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.JSON(http.StatusAccepted, gin.H{"id": job.ID, "cancel_requested": true})
			return
		}
		writeError(c, err)
		return
	}

	updated, err := h.manager.Status(c.Request.Context(), job.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobToResponse(*updated))
}

// ownedJob loads the job named in the path; users only see their own jobs.
func (h *Handler) ownedJob(c *gin.Context) (*domain.JobSnapshot, bool) {
	job, err := h.manager.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	userID := c.GetInt64(userIDKey)
	if job.UserID != userID && !h.isAdmin(userID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found", "kind": domain.KindNotFound})
		return nil, false
	}
	return job, true
}

func (h *Handler) getAccount(c *gin.Context) {
	acct, err := h.accounts.Account(c.Request.Context(), c.GetInt64(userIDKey))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, accountToResponse(acct))
}

func (h *Handler) listAccounts(c *gin.Context) {
	accounts, err := h.accounts.ListAccounts(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	resp := make([]AccountResponse, len(accounts))
	for i := range accounts {
		resp[i] = accountToResponse(accounts[i])
	}
	c.JSON(http.StatusOK, resp)
}

type grantRequest struct {
	Amount    int64 `json:"amount"`
	Unlimited *bool `json:"unlimited"`
}

func (h *Handler) grantCredits(c *gin.Context) {
	userID, ok := pathUserID(c)
	if !ok {
		return
	}
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Unlimited == nil && req.Amount == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount or unlimited is required"})
		return
	}

	ctx := c.Request.Context()
	var (
		acct domain.CreditAccount
		err  error
	)
	if req.Unlimited != nil {
		acct, err = h.accounts.SetUnlimited(ctx, userID, *req.Unlimited)
	}
	if err == nil && req.Amount != 0 {
		acct, err = h.accounts.Grant(ctx, userID, req.Amount)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, accountToResponse(acct))
}

type blockRequest struct {
	Blocked bool `json:"blocked"`
}

func (h *Handler) blockAccount(c *gin.Context) {
	userID, ok := pathUserID(c)
	if !ok {
		return
	}
	var req blockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	acct, err := h.accounts.SetBlocked(c.Request.Context(), userID, req.Blocked)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, accountToResponse(acct))
}

func (h *Handler) resetWindow(c *gin.Context) {
	userID, ok := pathUserID(c)
	if !ok {
		return
	}
	acct, err := h.accounts.ResetWindow(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, accountToResponse(acct))
}

func (h *Handler) invalidateCache(c *gin.Context) {
	fp := c.Param("fingerprint")
	c.JSON(http.StatusOK, gin.H{"fingerprint": fp, "invalidated": h.manager.InvalidateCache(fp)})
}

func pathUserID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("user"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return 0, false
	}
	return id, true
}

func writeError(c *gin.Context, err error) {
	kind := domain.KindOf(err)
	c.JSON(statusFor(kind), gin.H{"error": err.Error(), "kind": kind})
}

func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindInvalidInput:
		return http.StatusBadRequest
	case domain.KindUnsupportedPlatform:
		return http.StatusUnprocessableEntity
	case domain.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case domain.KindSizeExceeded:
		return http.StatusRequestEntityTooLarge
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindCancelled:
		return http.StatusConflict
	case domain.KindStaleReference:
		return http.StatusGone
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	case domain.KindResolutionFailed, domain.KindNetwork, domain.KindDeliveryFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type JobResponse struct {
	ID               string          `json:"id"`
	UserID           int64           `json:"user_id"`
	URL              string          `json:"url"`
	Platform         domain.Platform `json:"platform,omitempty"`
	Quality          string          `json:"quality,omitempty"`
	AudioOnly        bool            `json:"audio_only"`
	State            domain.JobState `json:"state"`
	Title            string          `json:"title,omitempty"`
	Fingerprint      string          `json:"fingerprint,omitempty"`
	BytesTransferred int64           `json:"bytes_transferred"`
	TotalBytes       int64           `json:"total_bytes"`
	Progress         int             `json:"progress"`
	FileRef          string          `json:"file_ref,omitempty"`
	FromCache        bool            `json:"from_cache"`
	Coalesced        bool            `json:"coalesced"`
	CancelRequested  bool            `json:"cancel_requested"`
	FailureKind      domain.Kind     `json:"failure_kind,omitempty"`
	Reason           string          `json:"reason,omitempty"`
	CreatedAt        string          `json:"created_at"`
	UpdatedAt        string          `json:"updated_at"`
	FinishedAt       *string         `json:"finished_at,omitempty"`
}

func jobToResponse(job domain.JobSnapshot) JobResponse {
	resp := JobResponse{
		ID:               job.ID,
		UserID:           job.UserID,
		URL:              job.URL,
		Platform:         job.Platform,
		Quality:          job.Quality,
		AudioOnly:        job.AudioOnly,
		State:            job.State,
		Title:            job.Title,
		Fingerprint:      job.Fingerprint,
		BytesTransferred: job.BytesTransferred,
		TotalBytes:       job.TotalBytes,
		FileRef:          job.FileRef,
		FromCache:        job.FromCache,
		Coalesced:        job.Coalesced,
		CancelRequested:  job.CancelRequested,
		FailureKind:      job.FailureKind,
		Reason:           job.Reason,
		CreatedAt:        job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        job.UpdatedAt.Format(time.RFC3339),
	}
	if job.TotalBytes > 0 {
		resp.Progress = int(job.BytesTransferred * 100 / job.TotalBytes)
		if resp.Progress > 100 {
			resp.Progress = 100
		}
	}
	if job.FinishedAt != nil {
		v := job.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &v
	}
	return resp
}

func jobsToResponse(jobs []domain.JobSnapshot) []JobResponse {
	resp := make([]JobResponse, len(jobs))
	for i := range jobs {
		resp[i] = jobToResponse(jobs[i])
	}
	return resp
}

type AccountResponse struct {
	UserID      int64  `json:"user_id"`
	Balance     int64  `json:"balance"`
	Unlimited   bool   `json:"unlimited"`
	Reserved    int64  `json:"reserved"`
	Committed   int64  `json:"committed"`
	Blocked     bool   `json:"blocked"`
	WindowCount int    `json:"window_count"`
	WindowStart string `json:"window_start,omitempty"`
}

func accountToResponse(a domain.CreditAccount) AccountResponse {
	resp := AccountResponse{
		UserID:      a.UserID,
		Balance:     a.Balance,
		Unlimited:   a.IsUnlimited(),
		Reserved:    a.Reserved,
		Committed:   a.Committed,
		Blocked:     a.Blocked,
		WindowCount: a.WindowCount,
	}
	if !a.WindowStart.IsZero() {
		resp.WindowStart = a.WindowStart.Format(time.RFC3339)
	}
	return resp
}
