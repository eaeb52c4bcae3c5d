package platform

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"nbdeploy/internal/transport"
)

type AuthState int

const (
	AuthUnavailable AuthState = iota
	NotAuthenticated
	Authenticated
)

func (s AuthState) String() string {
	switch s {
	case Authenticated:
		return "authenticated"
	case NotAuthenticated:
		return "not_authenticated"
	default:
		return "unavailable"
	}
}

// CheckAuthenticated asks the platform for the platform list without
// following redirects. The answer is never cached.
func (c *Client) CheckAuthenticated(ctx context.Context) (AuthState, error) {
	_, err := c.caller.Call(ctx, transport.Request{
		Method:         "GET",
		URL:            c.platformsPath(),
		AllowRedirects: false,
	})
	switch {
	case err == nil:
		return Authenticated, nil
	case transport.IsRedirect(err):
		return NotAuthenticated, nil
	default:
		c.logger.Warn("auth probe failed", zap.Error(err))
		return AuthUnavailable, err
	}
}

// PostCredentials sends the login form. Only an unreachable platform is an
// error: the platform answers with a redirect for good and bad credentials
// alike, so acceptance is left to the next CheckAuthenticated.
func (c *Client) PostCredentials(ctx context.Context, username, password string) error {
	_, err := c.caller.Call(ctx, transport.Request{
		Method: "POST",
		URL:    c.loginPath,
		Form: map[string]string{
			"_username": username,
			"_password": password,
		},
	})
	if errors.Is(err, transport.ErrRemoteUnavailable) {
		return fmt.Errorf("login: %w", err)
	}
	return nil
}

// Login posts the credentials and reports the result of a fresh auth probe.
func (c *Client) Login(ctx context.Context, username, password string) (bool, error) {
	if err := c.PostCredentials(ctx, username, password); err != nil {
		return false, err
	}
	state, err := c.CheckAuthenticated(ctx)
	switch state {
	case Authenticated:
		return true, nil
	case NotAuthenticated:
		return false, nil
	default:
		return false, fmt.Errorf("login: %w", err)
	}
}
