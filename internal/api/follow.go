package api

import (
	"context"
	"net/http"
	"net/url"
)

func (c *Client) Follow(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodPost, "/follow/"+url.PathEscape(userID), nil, "", nil)
}

func (c *Client) Unfollow(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodDelete, "/follow/"+url.PathEscape(userID), nil, "", nil)
}

func (c *Client) Following(ctx context.Context) ([]string, error) {
	var out struct {
		FollowingUserIDs []string `json:"followingUserIds"`
	}
	if err := c.getJSON(ctx, "/follow/following", &out); err != nil {
		return nil, err
	}
	return out.FollowingUserIDs, nil
}
