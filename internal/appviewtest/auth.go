package appviewtest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

const viewerKey contextKey = "viewer"

func viewerDID(r *http.Request) string {
	did, _ := r.Context().Value(viewerKey).(string)
	return did
}

// authenticate resolves the bearer token. ok is false when a token was sent
// but is not valid.
func (s *Server) authenticate(r *http.Request) (did string, ok bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", true
	}
	token := strings.TrimPrefix(header, "Bearer ")
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, found := s.tokens[token]
	if !found {
		return "", false
	}
	return rec.did, true
}

// optionalAuth is applied inside handlers for query endpoints: anonymous
// requests pass, invalid tokens are rejected.
func (s *Server) optionalAuth(w http.ResponseWriter, r *http.Request) (*http.Request, bool) {
	did, ok := s.authenticate(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "AuthRequired", "Invalid or expired token")
		return r, false
	}
	if did == "" {
		return r, true
	}
	return r.WithContext(context.WithValue(r.Context(), viewerKey, did)), true
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		did, ok := s.authenticate(r)
		if !ok || did == "" {
			writeError(w, http.StatusUnauthorized, "AuthRequired", "Authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), viewerKey, did)))
	})
}

// GET /oauth/mobile/login?handle=&redirect_uri=
// The real server sends the user through their PDS; the fake signs them in
// immediately and redirects to the deep link.
func (s *Server) handleMobileLogin(w http.ResponseWriter, r *http.Request) {
	handle := r.URL.Query().Get("handle")
	redirect := r.URL.Query().Get("redirect_uri")
	if handle == "" || redirect == "" {
		http.Error(w, "missing handle or redirect_uri parameter", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	var acct *Account
	for _, a := range s.accounts {
		if a.Handle == handle || a.DID == handle {
			acct = a
			break
		}
	}
	if acct == nil {
		s.mu.Unlock()
		http.Error(w, "unknown handle", http.StatusBadRequest)
		return
	}
	sessionID := uuid.NewString()
	token := s.issueLocked(acct.DID, sessionID)
	did, accountHandle := acct.DID, acct.Handle
	s.mu.Unlock()

	q := url.Values{}
	q.Set("token", token)
	q.Set("did", did)
	q.Set("session_id", sessionID)
	q.Set("handle", accountHandle)
	http.Redirect(w, r, redirect+"?"+q.Encode(), http.StatusFound)
}

// POST /oauth/refresh
// Body: {"did": "did:plc:...", "session_id": "...", "sealed_token": "..."}
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DID         string `json:"did"`
		SessionID   string `json:"session_id"`
		SealedToken string `json:"sealed_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SealedToken == "" {
		http.Error(w, "sealed_token required for refresh", http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	rec, ok := s.tokens[req.SealedToken]
	key := req.SealedToken
	if !ok {
		key = "expired:" + req.SealedToken
		rec, ok = s.tokens[key]
	}
	if !ok || rec.did != req.DID || rec.sessionID != req.SessionID {
		s.mu.Unlock()
		http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
		return
	}
	delete(s.tokens, key)
	sealed := s.issueLocked(rec.did, rec.sessionID)
	accessFor := s.AccessTokenFor
	s.mu.Unlock()

	access := "access-" + uuid.NewString()
	if accessFor != nil {
		access = accessFor(rec.did)
	}
	writeJSON(w, map[string]any{
		"access_token": access,
		"sealed_token": sealed,
	})
}

// POST /oauth/logout
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie("coves_session"); err == nil {
		s.mu.Lock()
		delete(s.tokens, cookie.Value)
		s.mu.Unlock()
	}
	writeJSON(w, map[string]string{"status": "logged_out"})
}
