// Package httptransport wires the admin console's HTTP surface: operator
// magic-link auth, read-only course/scrape-job visibility, and the
// WebSocket upgrade endpoint StreamHub serves live updates over. This
// surface is deliberately thin — it has no mutation-capable endpoints;
// the scrape pipeline owns all writes.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/catalogmirror/banner-scrape/internal/stream"
	"github.com/catalogmirror/banner-scrape/internal/transport/http/handler"
	"github.com/catalogmirror/banner-scrape/internal/transport/http/middleware"
	"github.com/gin-gonic/gin"
	sloggin "github.com/samber/slog-gin"
)

// Deps bundles the handlers and collaborators NewRouter wires into routes.
type Deps struct {
	Auth        *handler.AuthHandler
	Courses     *handler.CourseHandler
	ScrapeJobs  *handler.ScrapeJobHandler
	Hub         *stream.Hub
	JWTKey      []byte
	Logger      *slog.Logger
}

func NewRouter(ctx context.Context, d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(sloggin.New(d.Logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.Security())
	r.Use(middleware.Metrics())

	r.GET("/ws", func(c *gin.Context) {
		d.Hub.ServeWS(ctx, c.Writer, c.Request)
	})

	// Public auth routes
	r.POST("/auth/magic-link", d.Auth.RequestMagicLink)
	r.GET("/auth/verify", d.Auth.Verify)

	// Public read-only catalog mirror; not protected by the admin auth
	// used below, since there are no mutation-capable endpoints here.
	r.GET("/courses", d.Courses.Search)
	r.GET("/courses/:term/:crn", d.Courses.GetByCRN)

	// Admin-only scrape pipeline visibility
	admin := r.Group("/admin", middleware.Auth(d.JWTKey))
	admin.GET("/scrape-jobs", d.ScrapeJobs.List)

	return r
}

// NewMux is a convenience for callers that want a *http.Server directly.
func NewMux(ctx context.Context, d Deps) http.Handler {
	return NewRouter(ctx, d)
}
