package server

import "strings"

// UserListType tags user-list frames.
const UserListType = "user_list"

// UserListMessage is broadcast whenever membership changes. Users is sorted.
type UserListMessage struct {
	Type  string   `json:"type"`
	Count int      `json:"count"`
	Users []string `json:"users"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type sendMessageRequest struct {
	Content   string  `json:"content"`
	CreatedAt *string `json:"created_at"`
	CreatedBy string  `json:"created_by"`
}

type deleteMessageRequest struct {
	ID *int64 `json:"id"`
}

type updateMessageRequest struct {
	ID      *int64 `json:"id"`
	Content string `json:"content"`
}

type signUpRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type changePasswordRequest struct {
	Username    string `json:"username"`
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

type errorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code"`
	Timestamp string `json:"timestamp"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
