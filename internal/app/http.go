package app

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"parley/api/internal/auth"
	"parley/api/internal/authpw"
)

type HTTPServer struct {
	service         *Service
	corsOrigin      string
	moderationToken string
}

func NewHTTPServer(service *Service, corsOrigin, moderationToken string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, moderationToken: moderationToken}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Auth routes (no principal required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		s.handleSignUp(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		s.handleSignIn(w, r)
		return
	}
	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		principal, err := s.service.PrincipalFromToken(token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        principal.UserID,
			"userName":      principal.Name,
			"tenant":        principal.Tenant,
		})
		return
	}

	// Moderation routes are gated by the shared moderation token, not by
	// a participant principal.
	if strings.HasPrefix(r.URL.Path, "/api/moderation/") {
		s.handleModeration(w, r)
		return
	}

	// Everything below requires a verified principal.
	principal, err := s.service.PrincipalFromToken(bearerToken(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/conversations":
		s.handleCreateConversation(w, r, principal)
	case r.Method == http.MethodGet && r.URL.Path == "/api/conversations":
		s.handleListConversations(w, r, principal)
	case r.Method == http.MethodGet && r.URL.Path == "/api/conversations/by-context":
		s.handleConversationByContext(w, r, principal)
	case r.Method == http.MethodGet && r.URL.Path == "/api/activity":
		counts, err := s.service.ActivityCounts(r.Context(), principal.UserID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"activityCounts": counts})
	case r.Method == http.MethodPost && r.URL.Path == "/api/activity/seen":
		if err := s.service.MarkAllSeen(r.Context(), principal.UserID); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case strings.HasPrefix(r.URL.Path, "/api/conversations/"):
		s.handleConversationSubroutes(w, r, principal)
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/api/messages/"):
		messageID := strings.TrimPrefix(r.URL.Path, "/api/messages/")
		if err := s.service.DeleteOwnMessage(r.Context(), principal.UserID, messageID); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusNotFound, codeNotFound, "Route not found", nil)
	}
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
		Tenant      string `json:"tenant"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, err.Error(), nil)
		return
	}
	session, err := s.service.SignUp(r.Context(), authpw.SignUpRequest{
		Email:       body.Email,
		Password:    body.Password,
		DisplayName: body.DisplayName,
		Tenant:      body.Tenant,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSession(w, session)
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, err.Error(), nil)
		return
	}
	session, err := s.service.SignIn(r.Context(), authpw.SignInRequest{
		Email:    body.Email,
		Password: body.Password,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSession(w, session)
}

func writeSession(w http.ResponseWriter, session Session) {
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     session.Token,
		"userId":    session.UserID,
		"userName":  session.UserName,
		"tenant":    session.Tenant,
		"expiresAt": session.ExpiresAt,
	})
}

func (s *HTTPServer) handleCreateConversation(w http.ResponseWriter, r *http.Request, principal auth.Principal) {
	var input CreateConversationInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, err.Error(), nil)
		return
	}
	conversation, err := s.service.ResolveConversation(r.Context(), principal.UserID, input)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": conversation})
}

func (s *HTTPServer) handleListConversations(w http.ResponseWriter, r *http.Request, principal auth.Principal) {
	query := r.URL.Query()
	page, err := s.service.ListConversations(r.Context(), principal.UserID, ListConversationsInput{
		ContextType: query.Get("contextType"),
		Search:      query.Get("search"),
		Limit:       queryInt(query.Get("limit"), defaultPageSize),
		Offset:      queryInt(query.Get("offset"), 0),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *HTTPServer) handleConversationByContext(w http.ResponseWriter, r *http.Request, principal auth.Principal) {
	query := r.URL.Query()
	conversation, err := s.service.GetConversationByContext(
		r.Context(),
		principal.UserID,
		query.Get("contextType"),
		query.Get("contextId"),
		query.Get("participantId"),
	)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": conversation})
}

func (s *HTTPServer) handleConversationSubroutes(w http.ResponseWriter, r *http.Request, principal auth.Principal) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	parts := strings.SplitN(rest, "/", 2)
	conversationID := parts[0]
	if conversationID == "" {
		writeError(w, http.StatusNotFound, codeNotFound, "Route not found", nil)
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusNotFound, codeNotFound, "Route not found", nil)
			return
		}
		conversation, err := s.service.GetConversation(r.Context(), principal.UserID, conversationID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversation": conversation})
		return
	}

	switch {
	case parts[1] == "seen" && r.Method == http.MethodPost:
		if err := s.service.MarkConversationSeen(r.Context(), principal.UserID, conversationID); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case parts[1] == "messages" && r.Method == http.MethodGet:
		query := r.URL.Query()
		page, err := s.service.ListMessages(r.Context(), principal.UserID, conversationID, queryInt(query.Get("limit"), defaultPageSize), queryInt(query.Get("offset"), 0))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	case parts[1] == "messages" && r.Method == http.MethodPost:
		var input SendMessageInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, codeValidation, err.Error(), nil)
			return
		}
		message, err := s.service.SendMessage(r.Context(), principal.UserID, conversationID, input)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": message})
	default:
		writeError(w, http.StatusNotFound, codeNotFound, "Route not found", nil)
	}
}

func (s *HTTPServer) handleModeration(w http.ResponseWriter, r *http.Request) {
	if !s.moderationTokenMatches(r.Header.Get("X-Moderation-Token")) {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "Invalid moderation token", nil)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/moderation/")
	switch {
	case r.Method == http.MethodPost && strings.HasPrefix(rest, "messages/") && strings.HasSuffix(rest, "/delete"):
		messageID := strings.TrimSuffix(strings.TrimPrefix(rest, "messages/"), "/delete")
		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeBody(r, &body); err != nil && !errors.Is(err, errEmptyBody) {
			writeError(w, http.StatusBadRequest, codeValidation, err.Error(), nil)
			return
		}
		if err := s.service.ForceDeleteMessage(r.Context(), messageID, body.Reason); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case r.Method == http.MethodPost && strings.HasPrefix(rest, "users/") && strings.HasSuffix(rest, "/anonymize"):
		userID := strings.TrimSuffix(strings.TrimPrefix(rest, "users/"), "/anonymize")
		rewritten, err := s.service.AnonymizeUser(r.Context(), userID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		log.Printf("anonymized %d messages for user %s", rewritten, userID)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "messagesRewritten": rewritten})
	default:
		writeError(w, http.StatusNotFound, codeNotFound, "Route not found", nil)
	}
}

// moderationTokenMatches compares hashes so the comparison stays
// constant-time regardless of token length.
func (s *HTTPServer) moderationTokenMatches(supplied string) bool {
	if s.moderationToken == "" || supplied == "" {
		return false
	}
	return hmac.Equal([]byte(auth.HashToken(supplied)), []byte(auth.HashToken(s.moderationToken)))
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := s.corsOrigin
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Moderation-Token")
		next.ServeHTTP(w, r)
	})
}

var errEmptyBody = errors.New("empty body")

func decodeBody(r *http.Request, destination any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(destination); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func queryInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func writeDomainError(w http.ResponseWriter, err error) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		writeError(w, domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details)
		return
	}
	log.Printf("internal error: %v", err)
	writeError(w, http.StatusInternalServerError, "INTERNAL", "Internal server error", nil)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
			"details": details,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("write response: %v", err)
	}
}
