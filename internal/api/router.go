package api

import (
	"context"
	"net/http"

	"github.com/julienschmidt/httprouter"
	apiContext "signet/internal/api/context"
	"signet/internal/api/handlers"
	"signet/internal/api/middleware"
	"signet/internal/pkg/errors"
	"signet/internal/platform/auth"
)

type Dependencies struct {
	HealthHandler     *handlers.HealthHandler
	MetricsHandler    *handlers.MetricsHandler
	DeadLetterHandler *handlers.DeadLetterHandler
	WebhookHandler    *handlers.WebhookHandler
	DocumentHandler   *handlers.DocumentHandler
	AuditHandler      *handlers.AuditHandler
	AuthMiddleware    *middleware.AuthMiddleware
	RateLimiter       *middleware.RateLimiter
}

func NewRouter(deps *Dependencies) *httprouter.Router {
	router := httprouter.New()
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Route not found", nil)
	})

	router.GET("/healthz", wrap(deps.HealthHandler.Check))
	router.GET("/metrics", wrap(deps.MetricsHandler.Export))

	authMid := deps.AuthMiddleware.Handle
	read := deps.RateLimiter.Limit(middleware.LimitRead)
	write := deps.RateLimiter.Limit(middleware.LimitWrite)
	operators := middleware.RequireRole(auth.RoleAdmin, auth.RoleOperator)
	admins := middleware.RequireRole(auth.RoleAdmin)

	// Dead letter queue
	router.GET("/api/v1/dead-letters",
		chain(deps.DeadLetterHandler.List, authMid, read, operators))
	router.GET("/api/v1/dead-letters/:id",
		chain(deps.DeadLetterHandler.Get, authMid, read, operators))
	router.POST("/api/v1/dead-letters/:id/retry",
		chain(deps.DeadLetterHandler.Retry, authMid, write, operators))
	router.POST("/api/v1/dead-letters/:id/discard",
		chain(deps.DeadLetterHandler.Discard, authMid, write, operators))
	router.POST("/api/v1/dead-letters/:id/resolve",
		chain(deps.DeadLetterHandler.Resolve, authMid, write, operators))

	// Webhook subscriptions
	router.POST("/api/v1/webhooks",
		chain(deps.WebhookHandler.Create, authMid, write))
	router.GET("/api/v1/webhooks",
		chain(deps.WebhookHandler.List, authMid, read))
	router.DELETE("/api/v1/webhooks/:webhook_id",
		chain(deps.WebhookHandler.Delete, authMid, write))
	router.GET("/api/v1/webhooks/:webhook_id/events",
		chain(deps.WebhookHandler.Events, authMid, read))

	// Document lifecycle
	router.POST("/api/v1/documents/:document_id/send",
		chain(deps.DocumentHandler.Send, authMid, write))
	router.POST("/api/v1/documents/:document_id/cancel",
		chain(deps.DocumentHandler.Cancel, authMid, write))
	router.DELETE("/api/v1/documents/:document_id",
		chain(deps.DocumentHandler.Delete, authMid, write))
	router.POST("/api/v1/documents/:document_id/signers/:signer_id/sign",
		chain(deps.DocumentHandler.Sign, authMid, write))
	router.POST("/api/v1/documents/:document_id/signers/:signer_id/reminders",
		chain(deps.DocumentHandler.ScheduleReminder, authMid, write))

	// Audit
	router.GET("/api/v1/audit-logs",
		chain(deps.AuditHandler.List, authMid, read, admins))

	return router
}

// Helper function to chain middlewares
func chain(handler http.HandlerFunc, middlewares ...func(http.HandlerFunc) http.HandlerFunc) httprouter.Handle {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return wrap(handler)
}

// Convert http.HandlerFunc to httprouter.Handle
func wrap(handler http.HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		ctx := context.WithValue(r.Context(), apiContext.Params, ps)
		ctx = context.WithValue(ctx, apiContext.Request, apiContext.RequestInfo{
			IPAddress: middleware.ClientIP(r),
			UserAgent: r.UserAgent(),
		})
		handler(w, r.WithContext(ctx))
	}
}
