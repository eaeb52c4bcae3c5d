package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"nbdeploy/internal/config"
	"nbdeploy/internal/transport"
)

// Client speaks the platform's manager API through the proxy endpoint.
type Client struct {
	caller    transport.Caller
	rootURL   string
	apiPrefix string
	loginPath string
	logger    *zap.Logger
}

type Settings struct {
	RootURL   string
	APIPrefix string
	LoginPath string
}

func SettingsFromConfig(cfg config.Config) Settings {
	return Settings{
		RootURL:   cfg.Platform.RootURL,
		APIPrefix: cfg.Platform.APIPrefix,
		LoginPath: cfg.Platform.LoginPath,
	}
}

func New(caller transport.Caller, settings Settings, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		caller:    caller,
		rootURL:   strings.TrimRight(settings.RootURL, "/"),
		apiPrefix: strings.TrimRight(settings.APIPrefix, "/"),
		loginPath: settings.LoginPath,
		logger:    logger,
	}
	if c.rootURL == "" {
		c.rootURL = config.DefaultRootURL
	}
	if c.apiPrefix == "" {
		c.apiPrefix = config.DefaultAPIPrefix
	}
	if c.loginPath == "" {
		c.loginPath = config.DefaultLoginPath
	}
	return c
}

func (c *Client) platformsPath() string {
	return c.apiPrefix + "/platform"
}

func (c *Client) jobsPath(platformID int) string {
	return fmt.Sprintf("%s/platform/%d/job", c.apiPrefix, platformID)
}

func (c *Client) jobPath(platformID, jobID int) string {
	return fmt.Sprintf("%s/%d", c.jobsPath(platformID), jobID)
}

func (c *Client) runPath(runID int) string {
	return fmt.Sprintf("%s/jobtask/%d", c.apiPrefix, runID)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	body, err := c.caller.Call(ctx, transport.Request{Method: "GET", URL: path})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
