// Package api exposes the ledger and member registry over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"libattend/internal/attendance"
	"libattend/internal/auth"
	"libattend/internal/httpmiddleware"
	"libattend/internal/members"
	"libattend/internal/store"
)

// Deps are the services the router wires into handlers.
type Deps struct {
	Manager  *store.Manager
	Redis    *store.Redis
	Ledger   *attendance.Ledger
	Members  *members.Registry
	Importer *members.Importer
	Auth     *auth.Service
	Tokens   auth.TokenConfig

	RateLimitPerMin int
	Location        *time.Location
	Clock           func() time.Time
	Log             zerolog.Logger
}

type handlers struct {
	Deps
	log zerolog.Logger
}

// NewRouter builds the gin engine with all routes registered.
func NewRouter(d Deps) *gin.Engine {
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Location == nil {
		d.Location = time.UTC
	}
	h := &handlers{Deps: d, log: d.Log.With().Str("component", "api").Logger()}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestID())
	r.Use(httpmiddleware.Logger(h.log, "/healthz", "/metrics"))
	r.Use(httpmiddleware.CORS())
	r.Use(httpmiddleware.SecurityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", h.health)

	v1 := r.Group("/v1")
	kiosk := v1.Group("")
	if d.RateLimitPerMin > 0 {
		kiosk.Use(httpmiddleware.NewClientLimiter(d.RateLimitPerMin, 0).GinMiddleware())
	}
	kiosk.POST("/visits/check-in", h.checkIn)
	kiosk.POST("/visits/check-out", h.checkOut)
	kiosk.POST("/members", h.registerMember)
	kiosk.GET("/members/search/:query", h.searchMembers)
	kiosk.GET("/members/:usn", h.getMember)

	kiosk.POST("/admin/login", h.login)
	kiosk.POST("/admin/refresh", h.refresh)

	admin := v1.Group("/admin", auth.AdminAuth(d.Tokens.SigningKey, d.Tokens.Issuer))
	admin.GET("/stats", h.stats)
	admin.GET("/visits", h.visitsByDate)
	admin.GET("/visits/open", h.openVisits)
	admin.GET("/visits/recent", h.recentVisits)
	admin.DELETE("/visits", h.purgeVisits)
	admin.GET("/members", h.listMembers)
	admin.GET("/members/:usn/visits", h.memberHistory)
	admin.PATCH("/members/:usn", h.updateMember)
	admin.DELETE("/members/:usn", h.deleteMember)
	admin.POST("/members/advance-terms", h.advanceTerms)
	admin.POST("/members/import", h.importMembers)
	admin.GET("/members/import/template", h.importTemplate)

	return r
}

func (h *handlers) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	db := h.Manager.Health(ctx)
	status := db.Status
	body := gin.H{"database": db}
	if h.Redis != nil {
		redisOK := h.Redis.Healthy(ctx)
		body["redis"] = redisOK
		if !redisOK {
			status = "degraded"
		}
	}
	body["status"] = status

	code := http.StatusOK
	if db.Database != "ok" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, body)
}
