package server

import (
	"log/slog"
	"net/http"

	"github.com/samber/lo"

	"github.com/Tyrowin/livechat/internal/config"
)

// originPolicy decides which browser origins may open WebSockets and make
// cross-origin HTTP calls.
type originPolicy struct {
	allowed  map[string]struct{}
	allowAll bool
	log      *slog.Logger
}

func newOriginPolicy(origins []string, allowAll bool, log *slog.Logger) originPolicy {
	return originPolicy{
		allowed:  lo.SliceToMap(origins, func(o string) (string, struct{}) { return o, struct{}{} }),
		allowAll: allowAll,
		log:      log,
	}
}

func (p originPolicy) allows(origin string) bool {
	if origin == "" {
		return false
	}
	normalized, ok := config.NormalizeOrigin(origin)
	if !ok {
		return false
	}
	if p.allowAll {
		return true
	}
	_, exists := p.allowed[normalized]
	return exists
}

// checkWebSocket is the upgrader's CheckOrigin. Requests without an Origin
// header are rejected.
func (p originPolicy) checkWebSocket(r *http.Request) bool {
	if p.allows(r.Header.Get("Origin")) {
		return true
	}
	p.log.Warn("Blocked WebSocket connection from disallowed origin", "origin", r.Header.Get("Origin"))
	return false
}
