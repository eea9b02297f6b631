package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stockflow/automation/rules"
)

const (
	defaultWebhookTimeout = 30 * time.Second
	maxWebhookBodyCapture = 512
)

func (d *Dispatcher) sendWebhook(ctx context.Context, rule *rules.Rule, cfg *WebhookConfig, payload map[string]any, data map[string]string) Result {
	var body []byte
	if cfg.PayloadTemplate != "" {
		body = []byte(rules.Substitute(cfg.PayloadTemplate, data))
	} else {
		envelope := map[string]any{
			"ruleId":    rule.ID,
			"ruleName":  rule.Name,
			"trigger":   rule.Trigger,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"data":      payload,
		}
		encoded, err := json.Marshal(envelope)
		if err != nil {
			return failure("failed to encode webhook payload: %v", err)
		}
		body = encoded
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodPost
	}

	timeout := defaultWebhookTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return failure("failed to build webhook request: %v", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for name, value := range cfg.Headers {
		req.Header.Set(name, rules.Substitute(value, data))
	}

	if cfg.Auth != nil {
		switch cfg.Auth.Type {
		case "bearer":
			req.Header.Set("Authorization", "Bearer "+cfg.Auth.Token)
		case "basic":
			req.SetBasicAuth(cfg.Auth.Username, cfg.Auth.Password)
		case "api_key":
			req.Header.Set(cfg.Auth.Header, cfg.Auth.Key)
		}
	}

	client := d.http
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		// Operators need to tell network trouble apart from endpoint
		// rejections, so timeouts get their own message.
		if errors.Is(err, context.DeadlineExceeded) {
			return failure("webhook request timed out after %s", timeout)
		}
		return failure("webhook request failed: %v", err)
	}
	defer resp.Body.Close()

	captured, _ := io.ReadAll(io.LimitReader(resp.Body, maxWebhookBodyCapture))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return failure("webhook returned status %d: %s", resp.StatusCode, truncate(string(captured), 200))
	}

	return Result{
		Success: true,
		Message: fmt.Sprintf("webhook delivered with status %d", resp.StatusCode),
		Summary: map[string]any{
			"url":    cfg.URL,
			"method": method,
			"status": resp.StatusCode,
			"body":   string(captured),
		},
	}
}
