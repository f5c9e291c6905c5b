package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Tyrowin/livechat/internal/config"
	"github.com/Tyrowin/livechat/internal/metrics"
)

// SetupRoutes builds the router and wraps it in the middleware chain:
// request logging, security headers, CORS, then per-IP rate limiting. The
// chain sits outside the router so preflight requests reach CORS even
// though no route accepts OPTIONS.
func SetupRoutes(api *API, cfg config.Config, m *metrics.Metrics, log *slog.Logger) http.Handler {
	router := mux.NewRouter()
	router.Use(countRequests(m))

	router.HandleFunc("/healthz", api.HealthHandler).Methods(http.MethodGet)
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/ws", api.WebSocketHandler).Methods(http.MethodGet)

	router.HandleFunc("/token", api.token).Methods(http.MethodPost)
	router.HandleFunc("/sign-up", api.signUp).Methods(http.MethodPost)
	router.HandleFunc("/change-password", api.changePassword).Methods(http.MethodPatch)

	messages := router.NewRoute().Subrouter()
	messages.Use(api.requireBearer)
	messages.HandleFunc("/messages", api.listMessages).Methods(http.MethodGet)
	messages.HandleFunc("/send-message", api.sendMessage).Methods(http.MethodPost)
	messages.HandleFunc("/delete-message", api.deleteMessage).Methods(http.MethodDelete)
	messages.HandleFunc("/update-message", api.updateMessage).Methods(http.MethodPatch)

	origins := newOriginPolicy(cfg.AllowedOrigins, cfg.AllowAllOrigins, log)
	var handler http.Handler = router
	handler = rateLimit(newLimiterPool(cfg.HTTPRateLimit), log)(handler)
	handler = cors(origins)(handler)
	handler = securityHeaders(handler)
	handler = logRequests(log)(handler)
	return handler
}
