package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Tyrowin/livechat/internal/apperr"
	"github.com/Tyrowin/livechat/internal/auth"
	"github.com/Tyrowin/livechat/internal/chat"
	"github.com/Tyrowin/livechat/internal/store"
)

const (
	maxRequestBody    = 1 << 20
	retryAfterSeconds = "5"
)

// MessageService is the message history used by the HTTP handlers.
type MessageService interface {
	ListMessages(ctx context.Context) ([]store.Message, chat.CacheStatus, error)
	SendMessage(ctx context.Context, content string, createdAt time.Time, createdBy string) (int64, error)
	DeleteMessage(ctx context.Context, id int64) (bool, error)
	UpdateMessage(ctx context.Context, id int64, content string) (bool, error)
}

// AuthService handles accounts and tokens for the HTTP handlers.
type AuthService interface {
	SignUp(ctx context.Context, username, password string) (store.User, error)
	Login(ctx context.Context, username, password string) (string, error)
	ChangePassword(ctx context.Context, username, oldPassword, newPassword string) error
	VerifyToken(token string) (string, error)
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// API serves the JSON and WebSocket endpoints.
type API struct {
	messages MessageService
	auth     AuthService
	db       Pinger
	hub      *Hub
	log      *slog.Logger
}

// NewAPI returns the handler set backed by the given services. db may be
// nil, in which case the health check only reports the hub.
func NewAPI(messages MessageService, authSvc AuthService, db Pinger, hub *Hub, log *slog.Logger) *API {
	return &API{messages: messages, auth: authSvc, db: db, hub: hub, log: log}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if a.db != nil {
		if err := a.db.Ping(r.Context()); err != nil {
			a.writeError(w, r, apperr.StoreUnavailable("health check", err))
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "livechat server is running! clients=%d", a.hub.ClientCount())
}

// WebSocketHandler upgrades GET /ws?username=NAME and hands the connection
// to the hub.
func (a *API) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	username := strings.TrimSpace(r.URL.Query().Get("username"))
	if username == "" {
		a.writeError(w, r, apperr.Validation("username query parameter is required", nil))
		return
	}
	// The upgrader has already answered the request when Connect fails.
	client, err := a.hub.Connect(w, r, username)
	if err != nil {
		a.log.Warn("WebSocket registration failed", "username", username, "error", err)
		return
	}
	a.log.Debug("WebSocket session opened", "client", client.ID(), "name", client.Name())
}

func (a *API) listMessages(w http.ResponseWriter, r *http.Request) {
	messages, status, err := a.messages.ListMessages(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("X-Cache", status.String())
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (a *API) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	var createdAt time.Time
	if req.CreatedAt != nil && *req.CreatedAt != "" {
		parsed, err := time.Parse(time.RFC3339Nano, *req.CreatedAt)
		if err != nil {
			a.writeError(w, r, apperr.Validation("created_at must be an RFC 3339 timestamp", err))
			return
		}
		createdAt = parsed
	}
	createdBy := req.CreatedBy
	if createdBy == "" {
		createdBy, _ = Subject(r.Context())
	}
	id, err := a.messages.SendMessage(r.Context(), req.Content, createdAt, createdBy)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"id": id})
}

func (a *API) deleteMessage(w http.ResponseWriter, r *http.Request) {
	var req deleteMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.ID == nil {
		a.writeError(w, r, apperr.Validation("id is required", nil))
		return
	}
	ok, err := a.messages.DeleteMessage(r.Context(), *req.ID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": ok})
}

func (a *API) updateMessage(w http.ResponseWriter, r *http.Request) {
	var req updateMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.ID == nil {
		a.writeError(w, r, apperr.Validation("id is required", nil))
		return
	}
	ok, err := a.messages.UpdateMessage(r.Context(), *req.ID, req.Content)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": ok})
}

// token implements the OAuth2 password grant: a form with username and
// password in, a bearer token out.
func (a *API) token(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := r.ParseForm(); err != nil {
		a.writeError(w, r, apperr.Validation("malformed form body", err))
		return
	}
	username, password := r.PostForm.Get("username"), r.PostForm.Get("password")
	if username == "" || password == "" {
		a.writeError(w, r, apperr.Validation("username and password are required", nil))
		return
	}
	token, err := a.auth.Login(r.Context(), username, password)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: auth.TokenType})
}

func (a *API) signUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	user, err := a.auth.SignUp(r.Context(), req.Username, req.Password)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) changePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.auth.ChangePassword(r.Context(), req.Username, req.OldPassword, req.NewPassword); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(dst); err != nil {
		return apperr.Validation("request body must be valid JSON", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError translates err into the JSON error body. Unclassified errors
// become 500 INTERNAL_ERROR without leaking their text.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := apperr.As(err)
	if !ok {
		a.log.Error("Unhandled error", "method", r.Method, "path", r.URL.Path, "error", err)
		appErr = &apperr.Error{
			Status: http.StatusInternalServerError,
			Code:   apperr.CodeInternal,
			Detail: "internal server error",
			Err:    err,
		}
	} else if appErr.Status >= http.StatusInternalServerError {
		a.log.Error("Request failed", "method", r.Method, "path", r.URL.Path, "code", appErr.Code, "error", err)
	}
	if appErr.Kind == apperr.KindAuthentication {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	if appErr.Retryable() {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	writeErrorBody(w, appErr.Status, appErr.Code, appErr.Detail)
}

func writeErrorBody(w http.ResponseWriter, status int, code, detail string) {
	w.Header().Set("X-Error-Code", code)
	writeJSON(w, status, errorResponse{
		Detail:    detail,
		ErrorCode: code,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
