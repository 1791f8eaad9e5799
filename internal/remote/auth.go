package remote

import (
	"context"
	"net/http"
	"net/url"
)

// TokenResponse is returned by the auth endpoints.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
	User         struct {
		ID    string `json:"id"`
		Email string `json:"email,omitempty"`
	} `json:"user"`
}

// AuthAPI calls the auth endpoints. They are authenticated with the API key
// only.
type AuthAPI struct {
	client *Client
}

// Auth returns the auth endpoints of the client's backend.
func (c *Client) Auth() *AuthAPI {
	return &AuthAPI{client: c}
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignIn exchanges an email and password for a session.
func (a *AuthAPI) SignIn(ctx context.Context, email, password string) (*TokenResponse, error) {
	var tr TokenResponse
	err := a.client.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/token",
		query:  url.Values{"grant_type": {"password"}},
		body:   credentials{Email: email, Password: password},
		out:    &tr,
	})
	if err != nil {
		return nil, err
	}
	return &tr, nil
}

// SignUp creates an account and returns its first session.
func (a *AuthAPI) SignUp(ctx context.Context, email, password string) (*TokenResponse, error) {
	var tr TokenResponse
	err := a.client.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/signup",
		body:   credentials{Email: email, Password: password},
		out:    &tr,
	})
	if err != nil {
		return nil, err
	}
	return &tr, nil
}

// Refresh exchanges a refresh token for a new session.
func (a *AuthAPI) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	var tr TokenResponse
	err := a.client.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/token",
		query:  url.Values{"grant_type": {"refresh_token"}},
		body:   map[string]string{"refresh_token": refreshToken},
		out:    &tr,
	})
	if err != nil {
		return nil, err
	}
	return &tr, nil
}

// SignOut revokes the session behind accessToken.
func (a *AuthAPI) SignOut(ctx context.Context, accessToken string) error {
	return a.client.do(ctx, request{
		method:  http.MethodPost,
		path:    "/auth/v1/logout",
		headers: map[string]string{"Authorization": "Bearer " + accessToken},
	})
}
