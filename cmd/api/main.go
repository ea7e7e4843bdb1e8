package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"presence/internal/audit"
	"presence/internal/auth"
	"presence/internal/claim"
	"presence/internal/config"
	"presence/internal/geo"
	"presence/internal/httpmiddleware"
	"presence/internal/metrics"
	"presence/internal/pattern"
	"presence/internal/queue"
	"presence/internal/selfie"
	"presence/internal/session"
	"presence/internal/store"
)

// attemptLister is the read side of the audit trail, satisfied by both the
// Postgres repo and the memory store.
type attemptLister interface {
	List(ctx context.Context, f audit.Filter) ([]audit.Attempt, error)
}

// studentUpserter links accounts to student profiles.
type studentUpserter interface {
	UpsertStudent(ctx context.Context, accountID, studentID, name string) error
}

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
	var (
		db             *store.DB
		sessionStore   session.Store
		claimStore     claim.Store
		sink           claim.Sink
		attempts       attemptLister
		students       studentUpserter
		sessionsForVal claim.SessionDirectory
	)

	if cfg.StoreBackend == "memory" {
		log.Println("using in-memory store (STORE_BACKEND=memory)")
		mem := store.NewMemory()
		sessionStore = mem
		claimStore = mem
		sink = mem
		attempts = mem
		students = mem
		sessionsForVal = mem
	} else {
		var err error
		db, err = store.NewDB(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := store.Migrate(db.Client); err != nil {
			return err
		}
		sessionRepo := session.NewRepository(db.Client)
		claimRepo := claim.NewRepository(db.Client)
		auditRepo := audit.NewRepository(db.Client)
		sessionStore = sessionRepo
		claimStore = claimRepo
		sink = auditRepo
		attempts = auditRepo
		students = claimRepo
		sessionsForVal = sessionRepo
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "presence:rejections")
	}

	manager := session.NewManager(sessionStore, cfg.SessionWindowMinutes, cfg.RotationSeconds)
	engine := pattern.NewEngine(cfg.Thresholds)

	validator := claim.NewValidator(sessionsForVal, claimStore, sink, func(code, attemptID string) {
		metrics.ClaimsTotal.WithLabelValues(code).Inc()
		// The audit row is already durable; losing a queue nudge only
		// delays the next scan, so never let publish stall a claim.
		pubCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := q.Publish(pubCtx, queue.Rejection{AttemptID: attemptID, Code: code, At: time.Now().UTC()}); err != nil {
			log.Printf("queue publish failed: %v", err)
		}
	})

	// Selfie storage (nil when not configured)
	var selfies *selfie.Client
	if cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != "" {
		selfies = selfie.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Println("selfie storage configured:", cfg.CloudinaryCloudName)
	} else {
		log.Println("selfie storage not configured (CLOUDINARY_CLOUD_NAME / API_KEY / API_SECRET not set)")
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewRateLimiter(cfg.RateLimitPerMin).Middleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db == nil || db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	// Bootstrap token issuance. The surrounding app owns real identity; this
	// endpoint just lets it obtain role-scoped tokens for this core.
	r.POST("/v1/auth/token", func(c *gin.Context) {
		if c.GetHeader("X-Bootstrap-Key") != cfg.BootstrapKey {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "bad bootstrap key"})
			return
		}
		var req struct {
			Subject string `json:"subject" binding:"required"`
			Role    string `json:"role" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		switch req.Role {
		case auth.RoleTeacher, auth.RoleStudent, auth.RoleAdmin:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
			return
		}
		token, exp, err := auth.Issue(req.Subject, req.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"access_token": token, "expires_at": exp.Unix()})
	})

	teacherGroup := r.Group("/v1", auth.RequireRole(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleTeacher))

	teacherGroup.POST("/locations", func(c *gin.Context) {
		var req struct {
			Name     string  `json:"name" binding:"required"`
			Building *string `json:"building"`
			Room     *string `json:"room"`
			Lat      float64 `json:"lat"`
			Lon      float64 `json:"lon"`
			RadiusM  float64 `json:"radius_m" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		loc, err := manager.AddLocation(c.Request.Context(), session.Location{
			Name: req.Name, Building: req.Building, Room: req.Room,
			Lat: req.Lat, Lon: req.Lon, RadiusM: req.RadiusM,
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, loc)
	})

	teacherGroup.GET("/locations", func(c *gin.Context) {
		locs, err := manager.Locations(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"locations": locs})
	})

	teacherGroup.POST("/sessions", func(c *gin.Context) {
		var req session.CreateInput
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		req.TeacherID = auth.Subject(c)
		s, err := manager.Create(c.Request.Context(), req)
		if err != nil {
			if errors.Is(err, session.ErrLocationNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, s)
	})

	teacherGroup.POST("/sessions/:id/end", func(c *gin.Context) {
		err := manager.End(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": session.StatusEnded})
	})

	// Called every rotation interval by the classroom display client.
	teacherGroup.POST("/sessions/:id/token", func(c *gin.Context) {
		tok, err := manager.IssueToken(c.Request.Context(), c.Param("id"))
		if err != nil {
			switch {
			case errors.Is(err, session.ErrNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			case errors.Is(err, session.ErrEnded):
				c.JSON(http.StatusGone, gin.H{"error": "session ended"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		metrics.TokensIssued.Inc()
		c.JSON(http.StatusOK, tok)
	})

	studentGroup := r.Group("/v1", auth.RequireRole(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleStudent))

	studentGroup.POST("/claims", func(c *gin.Context) {
		var req struct {
			SessionID   string   `json:"session_id" binding:"required"`
			Token       string   `json:"presented_token" binding:"required"`
			Fingerprint string   `json:"device_fingerprint" binding:"required"`
			Lat         *float64 `json:"lat"`
			Lon         *float64 `json:"lon"`
			SelfieRef   string   `json:"selfie_ref"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		cl := claim.Claim{
			SessionID:      req.SessionID,
			AccountID:      auth.Subject(c),
			PresentedToken: req.Token,
			Fingerprint:    req.Fingerprint,
			SelfieRef:      req.SelfieRef,
			NetworkOrigin:  c.ClientIP(),
		}
		if req.Lat != nil && req.Lon != nil {
			cl.Coordinates = &geo.Coordinate{Lat: *req.Lat, Lon: *req.Lon}
		}
		res, err := validator.Validate(c.Request.Context(), cl)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "validation unavailable"})
			return
		}
		if res.OK {
			metrics.ClaimsTotal.WithLabelValues(metrics.OutcomeOK).Inc()
			c.JSON(http.StatusCreated, res)
			return
		}
		c.JSON(http.StatusUnprocessableEntity, res)
	})

	// Uploads selfie evidence; the returned ref is cited in a later claim.
	studentGroup.POST("/selfies", func(c *gin.Context) {
		if selfies == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "selfie storage not configured"})
			return
		}
		var result *selfie.UploadResult
		var err error
		if strings.Contains(c.ContentType(), "multipart/form-data") {
			file, header, ferr := c.Request.FormFile("file")
			if ferr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "file field required"})
				return
			}
			defer file.Close()
			data, ferr := io.ReadAll(file)
			if ferr != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "read file failed"})
				return
			}
			result, err = selfies.UploadBytes(data, header.Filename)
		} else {
			var body struct {
				Data string `json:"data" binding:"required"`
			}
			if berr := c.ShouldBindJSON(&body); berr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "provide {\"data\": \"<base64 data URL>\"}"})
				return
			}
			result, err = selfies.UploadDataURL(body.Data)
		}
		if err != nil {
			log.Printf("selfie upload failed: %v", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "selfie upload failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"selfie_ref": result.Ref(), "url": result.SecureURL})
	})

	adminGroup := r.Group("/v1", auth.RequireRole(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleAdmin))

	adminGroup.POST("/students", func(c *gin.Context) {
		var req struct {
			AccountID string `json:"account_id" binding:"required"`
			StudentID string `json:"student_id" binding:"required"`
			Name      string `json:"name"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := students.UpsertStudent(c.Request.Context(), req.AccountID, req.StudentID, req.Name); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"student_id": req.StudentID})
	})

	adminGroup.GET("/attempts", func(c *gin.Context) {
		f, err := filterFromQuery(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rows, err := attempts.List(c.Request.Context(), f)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"attempts": rows})
	})

	adminGroup.GET("/patterns", func(c *gin.Context) {
		f, err := filterFromQuery(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rows, err := attempts.List(c.Request.Context(), f)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		patterns := engine.Detect(rows, time.Now().UTC())
		c.JSON(http.StatusOK, gin.H{"patterns": patterns})
	})

	adminGroup.GET("/patterns/stats", func(c *gin.Context) {
		f, err := filterFromQuery(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rows, err := attempts.List(c.Request.Context(), f)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, pattern.Aggregate(rows, time.Now().UTC()))
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced shutdown: %v", err)
	}
	log.Println("server exited")
	return nil
}

// filterFromQuery parses the shared admin listing filters.
func filterFromQuery(c *gin.Context) (audit.Filter, error) {
	var f audit.Filter
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("from must be RFC3339")
		}
		f.From = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("to must be RFC3339")
		}
		f.To = t
	}
	f.AttemptType = c.Query("attempt_type")
	f.StudentID = c.Query("student_id")
	f.SessionID = c.Query("session_id")
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			f.Limit = parsed
		}
	}
	return f, nil
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
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Bootstrap-Key")
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
