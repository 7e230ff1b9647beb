package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/config"
	"rollcall/internal/httpmiddleware"
	"rollcall/internal/identity"
	"rollcall/internal/metrics"
	"rollcall/internal/queue"
	"rollcall/internal/roster"
	"rollcall/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	ctx := context.Background()

	mongoDB, err := store.NewMongo(ctx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		return err
	}
	defer func() { _ = mongoDB.Close(context.Background()) }()
	if err := mongoDB.EnsureIndexes(ctx); err != nil {
		return err
	}

	authDB, err := store.NewDB(cfg.AuthDatabaseURL)
	if err != nil {
		if authDB == nil {
			return err
		}
		// Pool opens lazily; a failed ping at boot is recoverable.
		log.Printf("warning: auth db not reachable: %v", err)
	}
	defer func() {
		if authDB != nil {
			_ = authDB.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "rollcall:marks")
	}

	dir := roster.NewRepository(mongoDB.DB)
	repo := attendance.NewMongoRepository(mongoDB.DB)
	att := attendance.NewService(repo, dir)
	authRepo := auth.NewRepository(authDB.Client)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())

	var limiter httpmiddleware.Limiter
	if redisClient.Healthy(ctx) {
		limiter = httpmiddleware.NewRedisLimiter(redisClient.Client, cfg.RateLimitPerMin)
	} else {
		limiter = httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	}
	r.Use(httpmiddleware.GinMiddleware(limiter))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		mongoHealthy := mongoDB.Client.Ping(c.Request.Context(), nil) == nil
		status := http.StatusOK
		if !redisHealthy || !mongoHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "mongo": mongoHealthy})
	})

	r.POST("/v1/operators/login", func(c *gin.Context) {
		var req struct {
			OperatorID string `json:"operator_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := authRepo.UpsertOperator(c.Request.Context(), req.OperatorID); err != nil {
			log.Printf("operator upsert failed: %v", err)
		}

		tokens, err := auth.Issue(req.OperatorID, "operator", cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		_ = authRepo.SaveRefreshToken(c.Request.Context(), req.OperatorID, tokens.RefreshToken, tokens.RefreshExp)

		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	r.POST("/v1/operators/refresh", func(c *gin.Context) {
		var req struct {
			RefreshToken string `json:"refresh_token" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		claims, err := auth.Parse(req.RefreshToken, cfg.JWTSigningKey, cfg.JWTIssuer)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
			return
		}
		ok, err := authRepo.RefreshTokenValid(c.Request.Context(), req.RefreshToken)
		if err != nil || !ok {
			if err != nil {
				log.Printf("refresh token lookup failed: %v", err)
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": "refresh token revoked or unknown"})
			return
		}

		tokens, err := auth.Issue(claims.Subject, claims.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		// Rotation: the presented token is single-use.
		_ = authRepo.RevokeRefreshToken(c.Request.Context(), req.RefreshToken)
		_ = authRepo.SaveRefreshToken(c.Request.Context(), claims.Subject, tokens.RefreshToken, tokens.RefreshExp)

		c.JSON(http.StatusOK, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	authGroup := r.Group("/v1", auth.OperatorAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	authGroup.GET("/attendance", func(c *gin.Context) {
		classID := c.Query("class")
		date, err := parseDate(c.Query("date"))
		if classID == "" || err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "class and date (YYYY-MM-DD) required"})
			return
		}
		rec, err := att.Get(c.Request.Context(), classID, date)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if rec == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no attendance record for class and date"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"record": rec})
	})

	authGroup.POST("/attendance", func(c *gin.Context) {
		var req struct {
			Class   string `json:"class" binding:"required"`
			Date    string `json:"date" binding:"required"`
			Student string `json:"student" binding:"required"`
			Status  string `json:"status"`
			Notes   string `json:"notes"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		date, err := parseDate(req.Date)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad date, want YYYY-MM-DD or RFC3339"})
			return
		}

		rec, err := att.MarkStatus(c.Request.Context(), req.Class, date, req.Student, attendance.Status(req.Status), req.Notes, auth.Operator(c))
		if err != nil {
			writeDomainError(c, err)
			return
		}

		metrics.Marks.WithLabelValues(string(entryStatus(rec, req.Student))).Inc()
		publishMark(c.Request.Context(), q, queue.MarkEvent{
			ClassID:   req.Class,
			Day:       rec.Date,
			StudentID: req.Student,
			Status:    string(entryStatus(rec, req.Student)),
			Count:     1,
		})
		c.JSON(http.StatusOK, gin.H{"record": rec})
	})

	authGroup.POST("/attendance/bulk", func(c *gin.Context) {
		var req struct {
			Class    string   `json:"class" binding:"required"`
			Date     string   `json:"date" binding:"required"`
			Status   string   `json:"status" binding:"required"`
			Students []string `json:"students"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		date, err := parseDate(req.Date)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad date, want YYYY-MM-DD or RFC3339"})
			return
		}

		res, err := att.BulkMarkStatus(c.Request.Context(), req.Class, date, attendance.Status(req.Status), req.Students, auth.Operator(c))
		if err != nil {
			writeDomainError(c, err)
			return
		}

		metrics.Marks.WithLabelValues(req.Status).Add(float64(res.Marked))
		metrics.BulkFailures.Add(float64(len(res.Failures)))
		if res.Marked > 0 {
			publishMark(c.Request.Context(), q, queue.MarkEvent{
				ClassID: req.Class,
				Day:     attendance.DayBucket(date),
				Status:  req.Status,
				Count:   res.Marked,
			})
		}
		c.JSON(http.StatusOK, res)
	})

	authGroup.POST("/attendance/scan", func(c *gin.Context) {
		var req struct {
			Class string `json:"class" binding:"required"`
			Token any    `json:"token" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		res, err := att.Scan(c.Request.Context(), req.Class, req.Token)
		if err != nil {
			metrics.Scans.WithLabelValues(scanOutcome(err)).Inc()
			writeDomainError(c, err)
			return
		}
		metrics.Scans.WithLabelValues("ok").Inc()
		c.JSON(http.StatusOK, res)
	})

	authGroup.GET("/attendance/stats", func(c *gin.Context) {
		classID := c.Query("class")
		start, err := parseDate(c.Query("start"))
		if classID == "" || err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "class and start (YYYY-MM-DD) required"})
			return
		}
		end := start
		if v := c.Query("end"); v != "" {
			if end, err = parseDate(v); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "bad end date"})
				return
			}
		}
		counts, err := att.Stats(c.Request.Context(), classID, start, end)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"class": classID, "counts": counts})
	})

	authGroup.GET("/classes", func(c *gin.Context) {
		classes, err := dir.ListClasses(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"classes": classes})
	})

	authGroup.GET("/classes/:id/students", func(c *gin.Context) {
		students, err := dir.ListEnrolled(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"students": students})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// parseDate accepts a calendar day or a full timestamp; the engine
// normalizes either to its day bucket.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func entryStatus(rec *attendance.Record, studentID string) attendance.Status {
	if entry := rec.Entry(studentID); entry != nil {
		return entry.Status
	}
	return attendance.StatusPresent
}

func publishMark(ctx context.Context, q queue.Queue, evt queue.MarkEvent) {
	msg, err := queue.NewMarkMessage(evt)
	if err != nil {
		log.Printf("mark event encode failed: %v", err)
		return
	}
	if err := q.Publish(ctx, msg); err != nil {
		log.Printf("queue publish failed: %v", err)
	}
}

// writeDomainError maps engine errors onto HTTP codes. ConstraintViolation
// never shows up here; the engine settles creation races internally.
func writeDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, attendance.ErrUnknownClass):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "unknown_class"})
	case errors.Is(err, attendance.ErrUnknownStudent):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "unknown_student"})
	case errors.Is(err, attendance.ErrNotEnrolled):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "code": "not_enrolled"})
	case errors.Is(err, attendance.ErrInvalidStatus):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_status"})
	case errors.Is(err, identity.ErrMissingType):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "missing_type"})
	case errors.Is(err, identity.ErrUnsupportedType):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "unsupported_type"})
	case errors.Is(err, identity.ErrInvalidPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_payload"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func scanOutcome(err error) string {
	switch {
	case errors.Is(err, attendance.ErrNotEnrolled):
		return "not_enrolled"
	case errors.Is(err, attendance.ErrUnknownStudent):
		return "unknown_student"
	case errors.Is(err, identity.ErrMissingType),
		errors.Is(err, identity.ErrUnsupportedType),
		errors.Is(err, identity.ErrInvalidPayload):
		return "invalid_payload"
	default:
		return "error"
	}
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
