package router

import (
	"github.com/gin-gonic/gin"

	"github.com/cfdisync/backend/internal/interfaces/http/handler"
)

// Handlers are the endpoint handlers of the operator API.
type Handlers struct {
	Requests    *handler.DownloadRequestHandler
	Documents   *handler.DocumentHandler
	Credentials *handler.CredentialHandler
	Settings    *handler.SyncSettingsHandler
	Blacklist   *handler.BlacklistHandler
	System      *handler.SystemHandler
}

// APIGroups builds the route groups of the operator API. tenantMiddleware
// runs on every route under /tenants/:tenant_id.
func APIGroups(h Handlers, tenantMiddleware ...gin.HandlerFunc) []*DomainGroup {
	tenants := NewDomainGroup("tenants", "/tenants/:tenant_id").Use(tenantMiddleware...)

	tenants.Group("requests", "/requests").
		POST("", h.Requests.Submit).
		GET("", h.Requests.List).
		GET("/:id", h.Requests.Get).
		POST("/:id/poll", h.Requests.Poll).
		POST("/:id/reconcile", h.Requests.Reconcile)

	tenants.Group("documents", "/documents").
		GET("", h.Documents.List).
		GET("/:uuid", h.Documents.Get).
		POST("/:uuid/check", h.Documents.Check).
		POST("/:uuid/cancellation", h.Documents.RequestCancellation).
		POST("/:uuid/reconcile", h.Documents.Reconcile)

	tenants.Group("credentials", "/credentials").
		POST("", h.Credentials.Upload).
		GET("", h.Credentials.List)

	tenants.Group("sync-settings", "/sync-settings").
		GET("", h.Settings.Get).
		PUT("", h.Settings.Update)

	// The pass is global: it walks pending requests of every tenant.
	requests := NewDomainGroup("requests", "/requests").
		POST("/poll", h.Requests.PollPending)

	blacklist := NewDomainGroup("blacklist", "/blacklist").
		GET("/:rfc", h.Blacklist.Lookup)

	system := NewDomainGroup("system", "").
		GET("/health", h.System.Health).
		GET("/system/info", h.System.GetSystemInfo)

	return []*DomainGroup{tenants, requests, blacklist, system}
}

// Mount registers the operator API on engine and returns its routes.
func Mount(engine *gin.Engine, h Handlers, tenantMiddleware ...gin.HandlerFunc) []RouteInfo {
	r := NewRouter(engine)
	var routes []RouteInfo
	for _, g := range APIGroups(h, tenantMiddleware...) {
		r.Register(g)
		routes = append(routes, g.Routes(r.Prefix())...)
	}
	r.Setup()
	return routes
}
