package labclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Login exchanges credentials for an access token. It does not use the
// client's token source.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return nil, &APIError{Op: "Login", Err: fmt.Errorf("%w: email and password are required", ErrBadRequest)}
	}
	var out LoginResult
	err := c.do(ctx, request{
		op: "Login", method: http.MethodPost, path: "/auth/login",
		body: map[string]string{"email": email, "password": password},
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.AccessToken == "" {
		return nil, &APIError{Op: "Login", Err: fmt.Errorf("%w: response carried no access token", ErrUnauthorized)}
	}
	return &out, nil
}

// Me returns the profile of the token's owner.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var u User
	err := c.do(ctx, request{op: "Me", method: http.MethodGet, path: "/auth/me", auth: true}, &u)
	if err != nil {
		return nil, err
	}
	return &u, nil
}
