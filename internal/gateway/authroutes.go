package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/doorman/gateway/internal/audit"
	"github.com/doorman/gateway/internal/authn"
	"github.com/doorman/gateway/internal/gwerrors"
	"github.com/doorman/gateway/internal/middleware"
	"github.com/doorman/gateway/internal/store"
)

// loginRequest is the /platform/authorization body.
type loginRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// handleLogin issues an access+refresh pair after the pre-auth IP guard and
// a credential check. The access token is also set as the session cookie.
func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(r)
	clientIP := clientIPOf(r)

	// Pre-auth IP rate limit runs before any token or credential parsing.
	if err := a.RateLimit.CheckLoginIP(ctx, clientIP); err != nil {
		if gwe, ok := gwerrors.As(err); ok {
			a.writeError(w, requestID, gwe)
			return
		}
		a.writeError(w, requestID, gwerrors.ErrInternal)
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, requestID, gwerrors.New(gwerrors.GenInvalidRequest, http.StatusBadRequest, "malformed login body"))
		return
	}

	user, gwe := a.findLoginUser(r, &req)
	if gwe != nil {
		a.Audit.Emit(audit.Event{
			Actor: req.Username + req.Email, Action: audit.ActionLogin,
			Target: "authorization", Status: "denied", RequestID: requestID,
		})
		a.writeError(w, requestID, gwe)
		return
	}

	if !authn.VerifyPassword(user.PasswordSalt, user.PasswordHash, req.Password) {
		a.Audit.Emit(audit.Event{
			Actor: user.Username, Action: audit.ActionLogin,
			Target: "authorization", Status: "denied", RequestID: requestID,
		})
		a.writeError(w, requestID, gwerrors.New(gwerrors.AuthInvalidCredentials, http.StatusUnauthorized, "invalid credentials"))
		return
	}
	if !user.Active {
		a.writeError(w, requestID, gwerrors.ErrUserInactive)
		return
	}

	access, refresh, err := a.Auth.IssuePair(user.Username, user.Role)
	if err != nil {
		a.writeError(w, requestID, gwerrors.Wrap(err, gwerrors.AuthUnexpectedError, http.StatusInternalServerError, "token issuance failed"))
		return
	}

	expiresMin := a.Settings().Auth.AccessTokenExpiresMinutes
	authn.SetAccessCookie(w, access, time.Duration(expiresMin)*time.Minute, a.Settings().Server.HTTPSOnly)

	a.Audit.Emit(audit.Event{
		Actor: user.Username, Action: audit.ActionLogin,
		Target: "authorization", Status: "success", RequestID: requestID,
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    expiresMin * 60,
	})
}

// findLoginUser accepts either username or (lowercased) email.
func (a *App) findLoginUser(r *http.Request, req *loginRequest) (*store.User, *gwerrors.Error) {
	user := &store.User{}
	if req.Username != "" {
		if err := a.Store.FindOne(r.Context(), store.CollUsers, store.Filter{"Username": req.Username}, user); err == nil {
			return user, nil
		}
	}
	if req.Email != "" {
		if err := a.Store.FindOne(r.Context(), store.CollUsers, store.Filter{"Email": strings.ToLower(req.Email)}, user); err == nil {
			return user, nil
		}
	}
	return nil, gwerrors.New(gwerrors.AuthInvalidCredentials, http.StatusUnauthorized, "invalid credentials")
}

// handleRefresh exchanges a refresh token for a fresh access token.
func (a *App) handleRefresh(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r)

	token := authn.FromRequest(r)
	if token == "" {
		a.writeError(w, requestID, gwerrors.ErrTokenMissing)
		return
	}
	claims, err := a.Auth.Verify(token, "refresh")
	if err != nil {
		if gwe, ok := gwerrors.As(err); ok {
			a.writeError(w, requestID, gwe)
			return
		}
		a.writeError(w, requestID, gwerrors.ErrTokenInvalid)
		return
	}

	user, gwe := a.lookupUser(r.Context(), claims.Subject)
	if gwe != nil {
		a.writeError(w, requestID, gwe)
		return
	}
	if !user.Active {
		a.writeError(w, requestID, gwerrors.ErrUserInactive)
		return
	}

	access, _, err := a.Auth.IssuePair(user.Username, user.Role)
	if err != nil {
		a.writeError(w, requestID, gwerrors.Wrap(err, gwerrors.AuthUnexpectedError, http.StatusInternalServerError, "token issuance failed"))
		return
	}

	expiresMin := a.Settings().Auth.AccessTokenExpiresMinutes
	authn.SetAccessCookie(w, access, time.Duration(expiresMin)*time.Minute, a.Settings().Server.HTTPSOnly)

	a.Audit.Emit(audit.Event{
		Actor: user.Username, Action: audit.ActionTokenRefresh,
		Target: "authorization", Status: "success", RequestID: requestID,
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: access,
		TokenType:   "bearer",
		ExpiresIn:   expiresMin * 60,
	})
}

// handleLogout revokes the presented token until its own expiry and clears
// the session cookie.
func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r)

	token := authn.FromRequest(r)
	if token == "" {
		a.writeError(w, requestID, gwerrors.ErrTokenMissing)
		return
	}
	claims, err := a.Auth.Verify(token, "access")
	if err != nil {
		if gwe, ok := gwerrors.As(err); ok {
			a.writeError(w, requestID, gwe)
			return
		}
		a.writeError(w, requestID, gwerrors.ErrTokenInvalid)
		return
	}

	a.Auth.Revoke(claims.TokenID, claims.ExpiresAt.Time)
	authn.ClearAccessCookie(w, a.Settings().Server.HTTPSOnly)

	a.Audit.Emit(audit.Event{
		Actor: claims.Subject, Action: audit.ActionLogout,
		Target: "authorization", Status: "success", RequestID: requestID,
	})

	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
