package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmsattv/panel_backend/config"
	"github.com/mmsattv/panel_backend/middlewares"
	"github.com/mmsattv/panel_backend/models"
	"github.com/mmsattv/panel_backend/utils"
	"github.com/mmsattv/panel_backend/workflow"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

// httpStatusFor maps the workflow's sentinel errors onto status codes. Every
// expected outcome gets a specific code; anything else is a 500.
func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, utils.ErrorRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, utils.ErrorForbidden):
		return http.StatusForbidden
	case errors.Is(err, utils.ErrorInvalidStatus), errors.Is(err, utils.ErrorOperationBusy):
		return http.StatusConflict
	case errors.Is(err, utils.ErrorInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, utils.ErrorExpired):
		return http.StatusGone
	case errors.Is(err, utils.ErrorUnknownPackage), errors.Is(err, utils.ErrorInvalidCardNumber):
		return http.StatusBadRequest
	case errors.Is(err, utils.ErrorQueueUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(httpStatusFor(err), gin.H{"error": err.Error()})
}

type loginRequest struct {
	Username string `json:"username"`
	Phone    string `json:"phone"`
	Password string `json:"password" binding:"required"`
}

func loginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		var (
			info *models.LoginInfo
			err  error
		)
		switch {
		case req.Username != "":
			info, err = models.Login(c.Request.Context(), req.Username, req.Password)
		case req.Phone != "":
			info, err = models.CustomerLogin(c.Request.Context(), req.Phone, req.Password)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "username or phone is required"})
			return
		}
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

func createOperationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input workflow.CreateOperationInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		op, err := workflow.CreateOperation(c.Request.Context(), &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		c.JSON(http.StatusCreated, gin.H{
			"operation_id":   op.ID,
			"status":         op.Status,
			"correlation_id": cid,
		})
	}
}

type captchaRequest struct {
	Solution string `json:"solution" binding:"required"`
}

func submitCaptchaHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req captchaRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := workflow.SubmitCaptcha(c.Request.Context(), c.Param("id"), req.Solution); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

type selectPackageRequest struct {
	PackageIndex *int    `json:"package_index" binding:"required"`
	PromoCode    *string `json:"promo_code"`
}

func selectPackageHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req selectPackageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		price, err := workflow.SelectPackage(c.Request.Context(), c.Param("id"), *req.PackageIndex, req.PromoCode)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "price": price})
	}
}

func confirmFinalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := workflow.ConfirmFinal(c.Request.Context(), c.Param("id")); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func cancelConfirmHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := workflow.CancelConfirm(c.Request.Context(), c.Param("id")); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func cancelOperationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := workflow.CancelOperation(c.Request.Context(), c.Param("id")); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func heartbeatHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		expiry, ttl, err := workflow.Heartbeat(c.Request.Context(), c.Param("id"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"expires_at":  expiry.Format(time.RFC3339),
			"ttl_seconds": int(ttl.Seconds()),
		})
	}
}

func getStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := workflow.GetOperationStatus(c.Request.Context(), c.Param("id"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

// Worker write-back handlers. All behind WorkerAuthMiddleware.

func workerAcceptHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := workflow.WorkerAccept(c.Request.Context(), c.Param("id")); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

type workerCaptchaRequest struct {
	CaptchaImage  string     `json:"captcha_image" binding:"required"`
	CaptchaExpiry *time.Time `json:"captcha_expiry"`
}

func workerCaptchaHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req workerCaptchaRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := workflow.WorkerReportCaptcha(c.Request.Context(), c.Param("id"), req.CaptchaImage, req.CaptchaExpiry); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

type workerPackagesRequest struct {
	Packages models.PackageOffers `json:"packages" binding:"required"`
}

func workerPackagesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req workerPackagesRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := workflow.WorkerReportPackages(c.Request.Context(), c.Param("id"), req.Packages); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

type workerResultRequest struct {
	ResponseData    string `json:"response_data"`
	ResponseMessage string `json:"response_message"`
}

func workerCompleteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req workerResultRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := workflow.WorkerComplete(c.Request.Context(), c.Param("id"), req.ResponseData, req.ResponseMessage); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func workerFailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req workerResultRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := workflow.WorkerFail(c.Request.Context(), c.Param("id"), req.ResponseMessage); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func workerCancelledHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req workerResultRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := workflow.WorkerCancelled(c.Request.Context(), c.Param("id"), req.ResponseMessage); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// Ops tooling (admin only).

type adjustBalanceRequest struct {
	OwnerType string `json:"owner_type" binding:"required"`
	OwnerId   int    `json:"owner_id" binding:"required"`
	Delta     string `json:"delta" binding:"required"`
	Note      string `json:"note"`
}

func adjustBalanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isAdmin, _ := utils.GetIsAdminFromContext(c.Request.Context()); !isAdmin {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var req adjustBalanceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		delta, err := decimal.NewFromString(req.Delta)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid delta"})
			return
		}
		var owner models.Owner
		switch models.OwnerType(req.OwnerType) {
		case models.OwnerTypeReseller:
			owner = models.ResellerOwner(req.OwnerId)
		case models.OwnerTypeCustomer:
			owner = models.CustomerOwner(req.OwnerId)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "owner_type must be R or C"})
			return
		}
		if err := workflow.AdjustBalance(c.Request.Context(), owner, delta, req.Note); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func deadLettersHandler(dispatcher *workflow.JobDispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		if isAdmin, _ := utils.GetIsAdminFromContext(c.Request.Context()); !isAdmin {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		jobs, err := dispatcher.DeadLetters(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"jobs": jobs})
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP; until DB/Redis are ready, app endpoints
	// return 503.
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "X-Correlation-Id", "X-Worker-Secret")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(middlewares.SessionMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	dispatcher := workflow.NewJobDispatcher(nil, logger)

	r.POST("/api/login", loginHandler())

	api := r.Group("/api/operations")
	{
		api.POST("", createOperationHandler())
		api.GET("/:id", getStatusHandler())
		api.POST("/:id/captcha", submitCaptchaHandler())
		api.POST("/:id/package", selectPackageHandler())
		api.POST("/:id/confirm", confirmFinalHandler())
		api.POST("/:id/cancel-confirm", cancelConfirmHandler())
		api.POST("/:id/cancel", cancelOperationHandler())
		api.POST("/:id/heartbeat", heartbeatHandler())
	}

	worker := r.Group("/internal/worker/operations", middlewares.WorkerAuthMiddleware())
	{
		worker.POST("/:id/accept", workerAcceptHandler())
		worker.POST("/:id/captcha", workerCaptchaHandler())
		worker.POST("/:id/packages", workerPackagesHandler())
		worker.POST("/:id/complete", workerCompleteHandler())
		worker.POST("/:id/fail", workerFailHandler())
		worker.POST("/:id/cancelled", workerCancelledHandler())
	}

	// Ops tooling (admin only).
	r.POST("/internal/ops/balance/adjust", adjustBalanceHandler())
	r.GET("/internal/ops/jobs/dead", deadLettersHandler(dispatcher))

	r.NoRoute(customNotFoundHandler)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	dispatcher.Redis = config.GetRedisDB()
	workflow.SetJobQueue(dispatcher)

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; allow running migrations as
	// a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	workersCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	go dispatcher.Run(workersCtx)
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("DISABLE_REAPER")), "true") {
		go workflow.NewStaleOperationReaper(db, logger).Run(workersCtx)
	}

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("panel backend listening on port ", port)
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelWorkers()

	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	key := "rl:" + c.ClientIP()

	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
