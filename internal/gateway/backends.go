package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gympulse/voicekiosk/internal/models"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	maxBodyExcerpt = 512
	maxResultBytes = 64 << 10
)

// RestConfig configures a direct HTTP backend. URL and header values may
// contain {arg} placeholders filled from the validated arguments.
type RestConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
}

// StoreQueryConfig configures a managed-store query backend: a read against
// one collection of the owning location's own data, never cross-location.
type StoreQueryConfig struct {
	Collection string `json:"collection"`
	KeyArg     string `json:"key_arg,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// WebhookConfig configures an outbound fire-and-acknowledge webhook.
type WebhookConfig struct {
	URL string `json:"url"`
}

// AuthDescriptor declares how a REST backend authenticates.
type AuthDescriptor struct {
	Kind         string   `json:"kind"` // none, bearer, header, basic, oauth2
	Token        string   `json:"token,omitempty"`
	Header       string   `json:"header,omitempty"`
	Value        string   `json:"value,omitempty"`
	Username     string   `json:"username,omitempty"`
	Password     string   `json:"password,omitempty"`
	TokenURL     string   `json:"token_url,omitempty"`
	ClientID     string   `json:"client_id,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// dispatchRest builds the request from the tool's template, injects the
// credential from the auth descriptor, and maps non-2xx responses to an
// upstream error carrying status and a body excerpt.
func (g *Gateway) dispatchRest(ctx context.Context, tool *models.CustomTool, req ExecuteRequest) (json.RawMessage, int, error) {
	var cfg RestConfig
	if err := json.Unmarshal([]byte(tool.RestConfig), &cfg); err != nil {
		return nil, 0, fmt.Errorf("malformed rest config: %w", err)
	}
	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if method != http.MethodGet {
		payload, err := json.Marshal(req.Args)
		if err != nil {
			return nil, 0, fmt.Errorf("encode args: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, expandTemplate(cfg.URL, req.Args), body)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		httpReq.Header.Set(k, expandTemplate(v, req.Args))
	}
	if err := applyAuth(ctx, httpReq, tool.Auth); err != nil {
		return nil, 0, err
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("call %s: %w", cfg.URL, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt := raw
		if len(excerpt) > maxBodyExcerpt {
			excerpt = excerpt[:maxBodyExcerpt]
		}
		return nil, resp.StatusCode, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, string(excerpt))
	}
	if len(raw) == 0 || !json.Valid(raw) {
		wrapped, _ := json.Marshal(map[string]string{"body": string(raw)})
		return wrapped, resp.StatusCode, nil
	}
	return json.RawMessage(raw), resp.StatusCode, nil
}

// applyAuth injects the authentication descriptor's credential.
func applyAuth(ctx context.Context, httpReq *http.Request, raw string) error {
	if raw == "" {
		return nil
	}
	var auth AuthDescriptor
	if err := json.Unmarshal([]byte(raw), &auth); err != nil {
		return fmt.Errorf("malformed auth descriptor: %w", err)
	}
	switch auth.Kind {
	case "", "none":
	case "bearer":
		httpReq.Header.Set("Authorization", "Bearer "+auth.Token)
	case "header":
		httpReq.Header.Set(auth.Header, auth.Value)
	case "basic":
		httpReq.SetBasicAuth(auth.Username, auth.Password)
	case "oauth2":
		cc := clientcredentials.Config{
			ClientID:     auth.ClientID,
			ClientSecret: auth.ClientSecret,
			TokenURL:     auth.TokenURL,
			Scopes:       auth.Scopes,
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		tok, err := cc.Token(ctx)
		if err != nil {
			return fmt.Errorf("oauth2 token: %w", err)
		}
		tok.SetAuthHeader(httpReq)
	default:
		return fmt.Errorf("unsupported auth kind %q", auth.Kind)
	}
	return nil
}

// expandTemplate replaces {name} placeholders with URL-escaped argument
// values.
func expandTemplate(tmpl string, args map[string]any) string {
	out := tmpl
	for name, val := range args {
		out = strings.ReplaceAll(out, "{"+name+"}", url.QueryEscape(fmt.Sprintf("%v", val)))
	}
	return out
}

// dispatchStoreQuery executes a schema-restricted read against the owning
// location's records. The location scope comes from the request, never from
// arguments, so a tool can never read another location's data.
func (g *Gateway) dispatchStoreQuery(tool *models.CustomTool, req ExecuteRequest) (json.RawMessage, error) {
	var cfg StoreQueryConfig
	if err := json.Unmarshal([]byte(tool.StoreQueryConfig), &cfg); err != nil {
		return nil, fmt.Errorf("malformed store query config: %w", err)
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("store query config missing collection")
	}
	limit := cfg.Limit
	if limit <= 0 || limit > 100 {
		limit = 25
	}

	q := g.db.Where("location_id = ? AND collection = ?", req.LocationID, cfg.Collection)
	if cfg.KeyArg != "" {
		if key, ok := req.Args[cfg.KeyArg].(string); ok && key != "" {
			q = q.Where("`key` = ?", key)
		}
	}

	var rows []models.LocationRecord
	if err := q.Order("`key` ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query %s: %w", cfg.Collection, err)
	}

	type record struct {
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
	}
	out := make([]record, 0, len(rows))
	for _, r := range rows {
		val := json.RawMessage(r.Value)
		if !json.Valid(val) {
			val, _ = json.Marshal(r.Value)
		}
		out = append(out, record{Key: r.Key, Value: val})
	}
	encoded, err := json.Marshal(map[string]any{"collection": cfg.Collection, "records": out})
	if err != nil {
		return nil, fmt.Errorf("encode records: %w", err)
	}
	return encoded, nil
}

// dispatchWebhook delivers a fire-and-acknowledge POST with an idempotency
// key, so a retried delivery is deduplicated downstream.
func (g *Gateway) dispatchWebhook(ctx context.Context, tool *models.CustomTool, req ExecuteRequest, executionID string) (json.RawMessage, int, error) {
	var cfg WebhookConfig
	if err := json.Unmarshal([]byte(tool.WebhookConfig), &cfg); err != nil {
		return nil, 0, fmt.Errorf("malformed webhook config: %w", err)
	}
	if cfg.URL == "" {
		return nil, 0, fmt.Errorf("webhook config missing url")
	}

	key := req.IdempotencyKey
	if key == "" {
		key = executionID
	}
	payload, err := json.Marshal(map[string]any{
		"tool":       req.ToolName,
		"session_id": req.SessionID,
		"member_id":  req.MemberID,
		"args":       req.Args,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("encode payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", key)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("deliver to %s: %w", cfg.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyExcerpt))
		return nil, resp.StatusCode, fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(excerpt))
	}
	ack, _ := json.Marshal(map[string]any{"delivered": true, "idempotency_key": key})
	return ack, resp.StatusCode, nil
}
