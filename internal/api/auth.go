package api

import (
	"context"
	"net/http"

	"github.com/4xmen/goftegu/internal/models"
)

type LoginResult struct {
	Token string      `json:"token"`
	User  models.User `json:"user"`
}

// Login exchanges credentials for a session token. It is the only call that
// does not need a bearer token.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	var out LoginResult
	in := map[string]string{"username": username, "password": password}
	if err := c.sendJSON(ctx, http.MethodPost, "/auth/login", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
