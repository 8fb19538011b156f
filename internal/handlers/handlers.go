package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/faceguard/internal/auth"
	"github.com/example/faceguard/internal/usecase"
)

// MaxBodySize bounds a JSON request body. Base64 inflates images by a third,
// so this leaves room for the decoder's own byte limit.
const MaxBodySize = 16 << 20

// HealthMessage is the plain-text body of GET /health.
const HealthMessage = "Backend is running"

// IdentityService is the behaviour the HTTP layer needs from the use case.
type IdentityService interface {
	Register(ctx context.Context, name string, imageBytes []byte) (*usecase.RegisterResult, error)
	Verify(ctx context.Context, imageBytes []byte) (*usecase.VerifyResult, error)
	GetResult(ctx context.Context, requestID string) (*usecase.Outcome, error)
	Identities() []usecase.IdentitySummary
	ClearIdentities(ctx context.Context) (int, error)
	SaveStore(ctx context.Context) error
	GetStats(ctx context.Context) (*usecase.Stats, error)
	Capabilities() map[string]bool
}

type registerRequest struct {
	Name  string `json:"name" binding:"required"`
	Image string `json:"image" binding:"required"`
}

type verifyRequest struct {
	Image string `json:"image" binding:"required"`
}

var (
	allowMethods = []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}
	allowHeaders = []string{"Content-Type", "Authorization"}
)

// CORS allows any origin to call the API. Every response carries the
// wildcard origin, including requests that send no Origin header.
func CORS() gin.HandlerFunc {
	preflight := cors.New(cors.Config{
		AllowAllOrigins:           true,
		AllowMethods:              allowMethods,
		AllowHeaders:              allowHeaders,
		MaxAge:                    12 * time.Hour,
		OptionsResponseStatusCode: http.StatusOK,
	})
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		preflight(c)
	}
}

// RegisterRoutes wires the HTTP handlers to the Gin router. Admin routes are
// only mounted when adminMiddleware is non-nil.
func RegisterRoutes(router *gin.Engine, svc IdentityService, logger *zap.Logger, adminMiddleware gin.HandlerFunc) {
	router.Use(CORS())

	router.OPTIONS("/*path", func(c *gin.Context) {
		c.Header("Access-Control-Allow-Methods", strings.Join(allowMethods, ", "))
		c.Header("Access-Control-Allow-Headers", strings.Join(allowHeaders, ", "))
		c.Status(http.StatusOK)
	})

	router.GET("/health", func(c *gin.Context) {
		var degraded []string
		for name, ok := range svc.Capabilities() {
			if !ok {
				degraded = append(degraded, name)
			}
		}
		body := HealthMessage
		if len(degraded) > 0 {
			sort.Strings(degraded)
			body += "\ndegraded: " + strings.Join(degraded, ", ")
		}
		c.String(http.StatusOK, body)
	})

	router.POST("/register", func(c *gin.Context) {
		var req registerRequest
		if !bindJSON(c, &req) {
			return
		}
		name := strings.TrimSpace(req.Name)
		if name == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
			return
		}
		if len(name) > usecase.MaxNameLength {
			c.JSON(http.StatusBadRequest, gin.H{"error": "name is too long"})
			return
		}
		data, ok := decodeImage(c, req.Image)
		if !ok {
			return
		}

		result, err := svc.Register(c.Request.Context(), name, data)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":     "registered",
			"name":       result.Name,
			"request_id": result.RequestID,
		})
	})

	router.POST("/verify", func(c *gin.Context) {
		var req verifyRequest
		if !bindJSON(c, &req) {
			return
		}
		data, ok := decodeImage(c, req.Image)
		if !ok {
			return
		}

		result, err := svc.Verify(c.Request.Context(), data)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":     "verified",
			"name":       result.Name,
			"confidence": result.Confidence,
			"request_id": result.RequestID,
		})
	})

	router.GET("/result/:id", func(c *gin.Context) {
		requestID := c.Param("id")
		if requestID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
			return
		}

		outcome, err := svc.GetResult(c.Request.Context(), requestID)
		if errors.Is(err, usecase.ErrResultNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		}
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, outcome)
	})

	if adminMiddleware != nil {
		registerAdminRoutes(router.Group("/admin", adminMiddleware), svc, logger)
	}
}

func registerAdminRoutes(admin *gin.RouterGroup, svc IdentityService, logger *zap.Logger) {
	admin.GET("/identities", func(c *gin.Context) {
		identities := svc.Identities()
		c.JSON(http.StatusOK, gin.H{"count": len(identities), "identities": identities})
	})

	admin.DELETE("/identities", func(c *gin.Context) {
		removed, err := svc.ClearIdentities(c.Request.Context())
		if err != nil {
			writeError(c, logger, err)
			return
		}
		logger.Info("identities cleared", operatorField(c), zap.Int("removed", removed))
		c.JSON(http.StatusOK, gin.H{"status": "cleared", "removed": removed})
	})

	admin.POST("/store/save", func(c *gin.Context) {
		if err := svc.SaveStore(c.Request.Context()); err != nil {
			writeError(c, logger, err)
			return
		}
		logger.Info("store saved", operatorField(c))
		c.JSON(http.StatusOK, gin.H{"status": "saved"})
	})

	admin.GET("/stats", func(c *gin.Context) {
		stats, err := svc.GetStats(c.Request.Context())
		if errors.Is(err, usecase.ErrAuditDisabled) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	})
}

func operatorField(c *gin.Context) zap.Field {
	operator, _ := auth.GetOperator(c.Request.Context())
	return zap.String("operator", operator)
}

// bindJSON reports every malformed body as 400 {error}.
func bindJSON(c *gin.Context, obj any) bool {
	if c.ContentType() != gin.MIMEJSON {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content type must be application/json"})
		return false
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodySize)
	if err := c.ShouldBindJSON(obj); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "request body too large"})
			return false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// decodeImage accepts plain base64 or a data URL.
func decodeImage(c *gin.Context, encoded string) ([]byte, bool) {
	encoded = strings.TrimSpace(encoded)
	if strings.HasPrefix(encoded, "data:") {
		if i := strings.Index(encoded, ","); i >= 0 {
			encoded = encoded[i+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image is not valid base64"})
		return nil, false
	}
	return data, true
}

func writeError(c *gin.Context, logger *zap.Logger, err error) {
	if failure, ok := usecase.AsFailure(err); ok {
		body := gin.H{"error": failure.Error(), "kind": failure.Kind}
		if failure.RequestID != "" {
			body["request_id"] = failure.RequestID
		}
		if failure.Kind == usecase.KindSpoofDetected {
			body["score"] = failure.Score
		}
		c.JSON(http.StatusBadRequest, body)
		return
	}
	logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
