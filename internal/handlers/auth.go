package handlers

import (
	"net/http"

	"github.com/sdko-org/blog-api/internal/apperr"
	"github.com/sdko-org/blog-api/internal/reqctx"
	"github.com/sdko-org/blog-api/internal/response"
	"github.com/sdko-org/blog-api/internal/services"
)

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) SignUp(w http.ResponseWriter, r *http.Request) error {
	var in services.SignUpInput
	if err := decodeJSON(w, r, &in); err != nil {
		return err
	}
	res, err := h.services.Auth.SignUp(r.Context(), in, requestMeta(r))
	if err != nil {
		return err
	}
	response.Success(w, http.StatusCreated, res, response.WithMessage("User created successfully"))
	return nil
}

func (h *Handler) SignIn(w http.ResponseWriter, r *http.Request) error {
	var in credentials
	if err := decodeJSON(w, r, &in); err != nil {
		return err
	}
	res, err := h.services.Auth.SignIn(r.Context(), in.Email, in.Password, requestMeta(r))
	if err != nil {
		return err
	}
	response.Success(w, http.StatusOK, res, response.WithMessage("Signed in successfully"))
	return nil
}

func (h *Handler) RefreshToken(w http.ResponseWriter, r *http.Request) error {
	var in struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeJSON(w, r, &in); err != nil {
		return err
	}
	grant, err := h.services.Auth.Refresh(r.Context(), in.RefreshToken)
	if err != nil {
		return err
	}
	response.Success(w, http.StatusOK, grant)
	return nil
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) error {
	rc := reqctx.From(r.Context())
	if rc == nil || rc.Session == nil {
		return apperr.Unauthorized("Authentication required")
	}
	if err := h.services.Auth.Logout(r.Context(), rc.Session.ID); err != nil {
		return err
	}
	response.Success(w, http.StatusOK, nil, response.WithMessage("Logged out successfully"))
	return nil
}

func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) error {
	user, err := h.services.Auth.VerifyEmail(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		return err
	}
	response.Success(w, http.StatusOK, user, response.WithMessage("Email verified successfully"))
	return nil
}

func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) error {
	var in struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(w, r, &in); err != nil {
		return err
	}
	if err := h.services.Auth.ForgotPassword(r.Context(), in.Email); err != nil {
		return err
	}
	response.Success(w, http.StatusOK, nil, response.WithMessage("If the email is registered, a reset link has been sent"))
	return nil
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) error {
	var in struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &in); err != nil {
		return err
	}
	if err := h.services.Auth.ResetPassword(r.Context(), in.Token, in.Password); err != nil {
		return err
	}
	response.Success(w, http.StatusOK, nil, response.WithMessage("Password reset successfully"))
	return nil
}

func (h *Handler) OAuthLogin(w http.ResponseWriter, r *http.Request) error {
	url, err := h.services.Auth.OAuthURL(r.Context(), pathVar(r, "provider"))
	if err != nil {
		return err
	}
	response.Success(w, http.StatusOK, map[string]string{"url": url})
	return nil
}

func (h *Handler) OAuthCallback(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	if reason := q.Get("error"); reason != "" {
		return apperr.Unauthorized("OAuth authentication failed: " + reason)
	}
	res, err := h.services.Auth.OAuthCallback(r.Context(), pathVar(r, "provider"), q.Get("code"), q.Get("state"), requestMeta(r))
	if err != nil {
		return err
	}
	response.Success(w, http.StatusOK, res, response.WithMessage("Signed in successfully"))
	return nil
}
