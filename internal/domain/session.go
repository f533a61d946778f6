package domain

import "encoding/json"

// Session is the consolidated client-side view of an authenticated session.
// Timestamps are milliseconds since epoch to stay byte-compatible with the
// blobs older storefront builds persisted.
type Session struct {
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken"`
	User         json.RawMessage `json:"user,omitempty"`
	CreatedAt    int64           `json:"createdAt"`
	LastActivity int64           `json:"lastActivity"`
	DeviceID     string          `json:"deviceId"`
}

// SignupRequest carries the fields the signup endpoint accepts.
type SignupRequest struct {
	FullName string `json:"full_name" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
	Phone    string `json:"phone,omitempty" validate:"omitempty,e164"`
}

// TokenResponse is the shape the identity provider returns from login,
// signup and refresh. The user payload is owned by the API; it is carried
// through without inspection.
type TokenResponse struct {
	AccessToken               string          `json:"access_token"`
	RefreshToken              string          `json:"refresh_token,omitempty"`
	User                      json.RawMessage `json:"user,omitempty"`
	EmailVerificationRequired bool            `json:"email_verification_required,omitempty"`
}
