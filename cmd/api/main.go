package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/binding"
	"rollcall/internal/config"
	"rollcall/internal/device"
	"rollcall/internal/httpmiddleware"
	"rollcall/internal/metrics"
	"rollcall/internal/netcheck"
	"rollcall/internal/queue"
	"rollcall/internal/store"
	"rollcall/internal/token"
	"rollcall/internal/verify"
)

func main() {
	cfg := config.Load()

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Printf("warning: db not reachable: %v", err)
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "rollcall:integrity")
	}

	repo := attendance.NewRepository(db.Client)
	issuer := token.NewIssuer(cfg.JWTSigningKey)
	engine := verify.NewEngine(issuer, repo, cfg.TokenTTL)
	ledger := binding.NewLedger(repo)
	devices := device.NewProvider(cfg.DeviceCookie, int(cfg.DeviceCookieTTL.Seconds()), cfg.Production())

	r := gin.New()

	r.Use(gin.Recovery())

	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))

	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db != nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/auth/login", func(c *gin.Context) {
		var req struct {
			Email    string `json:"email" binding:"required"`
			Password string `json:"password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		user, err := repo.GetUserByEmail(c.Request.Context(), req.Email)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
			return
		}
		if user == nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}

		tokens, err := auth.Issue(user.ID, user.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		_ = repo.SaveRefreshToken(c.Request.Context(), user.ID, tokens.RefreshToken, tokens.RefreshExp)

		c.JSON(http.StatusOK, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
			"role":          user.Role,
		})
	})

	staff := auth.Require(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleFaculty, auth.RoleAdmin)
	adminOnly := auth.Require(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleAdmin)
	studentOnly := auth.Require(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleStudent)

	r.POST("/v1/sessions", staff, func(c *gin.Context) {
		var req struct {
			SubjectID string `json:"subject_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		claims, _ := auth.CallerClaims(c)
		sess, err := repo.CreateSession(c.Request.Context(), req.SubjectID, claims.Subject)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
			return
		}
		c.JSON(http.StatusCreated, sess)
	})

	// Rotating token for the presenter display. The display polls this before
	// the previous token's 30-second window closes.
	r.GET("/v1/sessions/:id/token", staff, func(c *gin.Context) {
		id := c.Param("id")
		sess, err := repo.GetSession(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
			return
		}
		if sess == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown session"})
			return
		}
		claims, _ := auth.CallerClaims(c)
		if claims.Role == auth.RoleFaculty && sess.FacultyID != claims.Subject {
			c.JSON(http.StatusForbidden, gin.H{"error": "session owned by another faculty"})
			return
		}
		if !sess.Active {
			c.JSON(http.StatusBadRequest, gin.H{"error": "session closed"})
			return
		}
		signed, err := issuer.Issue(sess.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		metrics.TokensIssued.Inc()
		c.JSON(http.StatusOK, gin.H{"token": signed, "expires_in": int(cfg.TokenTTL.Seconds())})
	})

	r.POST("/v1/sessions/:id/end", staff, func(c *gin.Context) {
		err := repo.EndSession(c.Request.Context(), c.Param("id"))
		switch {
		case errors.Is(err, attendance.ErrNotFound):
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown session"})
		case err != nil:
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		default:
			c.JSON(http.StatusOK, gin.H{"status": "ended"})
		}
	})

	// Reactivation is an explicit administrative override, not a normal
	// transition.
	r.POST("/v1/sessions/:id/reopen", adminOnly, func(c *gin.Context) {
		err := repo.ReopenSession(c.Request.Context(), c.Param("id"))
		switch {
		case errors.Is(err, attendance.ErrNotFound):
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown session"})
		case err != nil:
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		default:
			c.JSON(http.StatusOK, gin.H{"status": "active"})
		}
	})

	// Trusted-scheduler endpoint: bulk-deactivates sessions past the age
	// threshold. Unauthenticated, idempotent, safe alongside live scans.
	r.POST("/v1/sessions/sweep", func(c *gin.Context) {
		n, err := repo.SweepStale(c.Request.Context(), cfg.SessionMaxAge)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
			return
		}
		metrics.SessionsSwept.Add(float64(n))
		c.JSON(http.StatusOK, gin.H{"ended": n})
	})

	ctx := context.Background()

	r.POST("/v1/scan", studentOnly, devices.Identify(), func(c *gin.Context) {
		var req struct {
			Token string `json:"token" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		claims, _ := auth.CallerClaims(c)
		deviceID := device.FromContext(c)
		origin := c.ClientIP()

		verdict, err := engine.Verify(c.Request.Context(), req.Token, deviceID, origin, claims.Subject)
		if err != nil {
			if errors.Is(err, attendance.ErrNotFound) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown student"})
				return
			}
			log.Printf("verification store error: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable", "retryable": true})
			return
		}
		metrics.ObserveVerdict(verdict.Status, verdict.Reason)

		// Durable outcomes feed the audit trail. Publish failures must not
		// hide the verdict from the student.
		switch {
		case verdict.Status == verify.StatusFlag:
			if err := q.Publish(ctx, queue.NewEvent(queue.KindProxy, verdict.SessionID, claims.Subject, deviceID)); err != nil {
				metrics.QueuePublishFailures.Inc()
				log.Printf("queue publish failed: %v", err)
			}
		case verdict.Accepted() && !verdict.Duplicate:
			if err := q.Publish(ctx, queue.NewEvent(queue.KindMark, verdict.SessionID, claims.Subject, deviceID)); err != nil {
				metrics.QueuePublishFailures.Inc()
				log.Printf("queue publish failed: %v", err)
			}
		}

		c.JSON(http.StatusOK, verdict)
	})

	r.POST("/v1/bindings/reset-request", studentOnly, func(c *gin.Context) {
		caller := callerFrom(c)
		err := ledger.RequestReset(c.Request.Context(), caller, caller.ID)
		switch {
		case errors.Is(err, binding.ErrUnauthorized):
			c.JSON(http.StatusForbidden, gin.H{"error": "not allowed"})
		case errors.Is(err, attendance.ErrNotFound):
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown student"})
		case err != nil:
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		default:
			c.JSON(http.StatusOK, gin.H{"status": "requested"})
		}
	})

	r.POST("/v1/bindings/:studentID/reset", adminOnly, func(c *gin.Context) {
		respondLedger(c, ledger.ResetBinding(c.Request.Context(), callerFrom(c), c.Param("studentID")), "reset")
	})

	r.POST("/v1/bindings/:studentID/reject", adminOnly, func(c *gin.Context) {
		respondLedger(c, ledger.RejectReset(c.Request.Context(), callerFrom(c), c.Param("studentID")), "rejected")
	})

	r.GET("/v1/bindings/:studentID", auth.Require(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleAdmin, auth.RoleStudent), func(c *gin.Context) {
		b, err := ledger.Binding(c.Request.Context(), callerFrom(c), c.Param("studentID"))
		switch {
		case errors.Is(err, binding.ErrUnauthorized):
			c.JSON(http.StatusForbidden, gin.H{"error": "not allowed"})
		case errors.Is(err, attendance.ErrNotFound):
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown student"})
		case err != nil:
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		default:
			c.JSON(http.StatusOK, b)
		}
	})

	r.GET("/v1/proxy-attempts", adminOnly, func(c *gin.Context) {
		limit, offset := 50, 0
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		if v := c.Query("offset"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				offset = parsed
			}
		}
		attempts, err := repo.ListProxyAttempts(c.Request.Context(), limit, offset)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"attempts": attempts})
	})

	r.GET("/v1/settings", adminOnly, func(c *gin.Context) {
		s, err := repo.GetOriginSettings(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"allowed_ip_prefix": s.AllowedPrefix, "ip_check_enabled": s.Enabled})
	})

	r.PUT("/v1/settings", adminOnly, func(c *gin.Context) {
		var req struct {
			AllowedIPPrefix string `json:"allowed_ip_prefix"`
			IPCheckEnabled  bool   `json:"ip_check_enabled"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s := netcheck.Settings{AllowedPrefix: req.AllowedIPPrefix, Enabled: req.IPCheckEnabled}
		if err := repo.UpdateOriginSettings(c.Request.Context(), s); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "saved"})
	})

	// Graceful shutdown
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

func callerFrom(c *gin.Context) binding.Caller {
	claims, _ := auth.CallerClaims(c)
	return binding.Caller{ID: claims.Subject, Role: claims.Role}
}

func respondLedger(c *gin.Context, err error, okStatus string) {
	switch {
	case errors.Is(err, binding.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "not allowed"})
	case errors.Is(err, attendance.ErrNotFound):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown student"})
	case err != nil:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
	default:
		c.JSON(http.StatusOK, gin.H{"status": okStatus})
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
