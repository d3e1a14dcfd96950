// Package manifest manages the Slack app manifest through the App Manifest
// API: exporting the live configuration, validating and pushing local edits,
// and rotating the configuration token.
//
// These operations authenticate with an app configuration token
// (SLACK_CONFIG_TOKEN), not the bot token the connector runs with.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultBaseURL   = "https://slack.com/api"
	maxResponseBytes = 1 << 20

	envConfigToken  = "SLACK_CONFIG_TOKEN"
	envAppID        = "SLACK_APP_ID"
	envRefreshToken = "SLACK_CONFIG_REFRESH_TOKEN"
)

// App is a Slack app manifest document. Slack's manifest schema is large and
// still growing, so it stays a free-form map and round-trips unchanged
// through YAML files and the JSON API.
type App map[string]any

// BotScopes returns the bot OAuth scopes declared in the manifest.
func (a App) BotScopes() []string {
	return stringsAt(a, "oauth_config", "scopes", "bot")
}

// BotEvents returns the subscribed bot events declared in the manifest.
func (a App) BotEvents() []string {
	return stringsAt(a, "settings", "event_subscriptions", "bot_events")
}

// Name returns the app's display name, or "unknown" when absent.
func (a App) Name() string {
	if info, ok := a["display_information"].(map[string]any); ok {
		if name, ok := info["name"].(string); ok && name != "" {
			return name
		}
	}
	return "unknown"
}

// SocketMode reports whether Socket Mode is enabled in the manifest.
func (a App) SocketMode() bool {
	if settings, ok := a["settings"].(map[string]any); ok {
		enabled, _ := settings["socket_mode_enabled"].(bool)
		return enabled
	}
	return false
}

func stringsAt(a App, keys ...string) []string {
	var node any = map[string]any(a)
	for _, key := range keys {
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node = m[key]
	}
	items, ok := node.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Client calls the Slack app configuration API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Client against the public Slack API.
func NewClient(logger *slog.Logger) *Client {
	return &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With("component", "manifest"),
	}
}

// Export fetches the app's current manifest from Slack.
func (c *Client) Export(ctx context.Context) (App, error) {
	id, err := appID()
	if err != nil {
		return nil, err
	}
	resp, err := c.call(ctx, "apps.manifest.export", url.Values{"app_id": {id}}, true)
	if err != nil {
		return nil, err
	}
	app := App{}
	if len(resp.Manifest) > 0 {
		if err := json.Unmarshal(resp.Manifest, &app); err != nil {
			return nil, fmt.Errorf("decode manifest: %w", err)
		}
	}
	return app, nil
}

// Validate checks a manifest against Slack's schema without applying it.
func (c *Client) Validate(ctx context.Context, app App) error {
	id, err := appID()
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(app)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	_, err = c.call(ctx, "apps.manifest.validate",
		url.Values{"app_id": {id}, "manifest": {string(encoded)}}, true)
	return err
}

// Update replaces the app's manifest wholesale. It reports whether the
// change touched OAuth permissions, which requires a reinstall to take
// effect.
func (c *Client) Update(ctx context.Context, app App) (bool, error) {
	id, err := appID()
	if err != nil {
		return false, err
	}
	encoded, err := json.Marshal(app)
	if err != nil {
		return false, fmt.Errorf("encode manifest: %w", err)
	}
	resp, err := c.call(ctx, "apps.manifest.update",
		url.Values{"app_id": {id}, "manifest": {string(encoded)}}, true)
	if err != nil {
		return false, err
	}
	return resp.PermissionsUpdated, nil
}

// Sync loads a manifest from a YAML file, validates it, and pushes it to
// Slack. Validation failures stop the push.
func (c *Client) Sync(ctx context.Context, path string) (bool, error) {
	app, err := Load(path)
	if err != nil {
		return false, err
	}
	if err := c.Validate(ctx, app); err != nil {
		return false, fmt.Errorf("manifest validation failed: %w", err)
	}
	c.logger.Info("Pushing manifest", "path", path)
	return c.Update(ctx, app)
}

// RotateToken exchanges the refresh token for a fresh configuration token
// pair. Configuration tokens expire after 12 hours.
func (c *Client) RotateToken(ctx context.Context) (token, refreshToken string, err error) {
	refresh := os.Getenv(envRefreshToken)
	if refresh == "" {
		return "", "", fmt.Errorf("%s not set", envRefreshToken)
	}
	resp, err := c.call(ctx, "tooling.tokens.rotate", url.Values{"refresh_token": {refresh}}, false)
	if err != nil {
		return "", "", err
	}
	return resp.Token, resp.RefreshToken, nil
}

// ReinstallURL returns the manual OAuth reinstall page for the app. Scope
// changes only take effect after the app is reinstalled to the workspace.
func ReinstallURL() (string, error) {
	id, err := appID()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("https://api.slack.com/apps/%s/install-on-team", id), nil
}

// Load reads a manifest from a YAML file.
func Load(path string) (App, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var app App
	if err := yaml.Unmarshal(data, &app); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return app, nil
}

// Save writes a manifest to a YAML file.
func Save(app App, path string) error {
	data, err := yaml.Marshal(app)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

type apiResponse struct {
	OK                 bool            `json:"ok"`
	Error              string          `json:"error"`
	Errors             []apiError      `json:"errors"`
	Manifest           json.RawMessage `json:"manifest"`
	Token              string          `json:"token"`
	RefreshToken       string          `json:"refresh_token"`
	PermissionsUpdated bool            `json:"permissions_updated"`
}

type apiError struct {
	Message string `json:"message"`
	Pointer string `json:"pointer"`
}

// call posts a form-encoded request to a Slack API method. The manifest
// methods require the configuration token as a bearer; token rotation
// authenticates with the refresh token in the form body instead.
func (c *Client) call(ctx context.Context, method string, form url.Values, bearer bool) (*apiResponse, error) {
	endpoint := c.baseURL + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if bearer {
		token, err := configToken()
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("slack api %s: %w", method, err)
	}
	defer resp.Body.Close()

	var payload apiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("slack api %s: decode response: %w", method, err)
	}
	if !payload.OK {
		return nil, payload.apiErr(method)
	}
	return &payload, nil
}

func (r *apiResponse) apiErr(method string) error {
	msg := r.Error
	if msg == "" {
		msg = "unknown"
	}
	if len(r.Errors) == 0 {
		return fmt.Errorf("slack api %s: %s", method, msg)
	}
	details := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		if e.Pointer != "" {
			details = append(details, fmt.Sprintf("%s (%s)", e.Message, e.Pointer))
		} else {
			details = append(details, e.Message)
		}
	}
	return fmt.Errorf("slack api %s: %s: %s", method, msg, strings.Join(details, "; "))
}

func configToken() (string, error) {
	token := os.Getenv(envConfigToken)
	if token == "" {
		return "", fmt.Errorf("%s not set; generate one at https://api.slack.com/apps under Your App Configuration Tokens", envConfigToken)
	}
	return token, nil
}

func appID() (string, error) {
	id := os.Getenv(envAppID)
	if id == "" {
		return "", fmt.Errorf("%s not set", envAppID)
	}
	return id, nil
}
