// http.go implements the generic HTTP tool connector: a JSON request/
// response client grounded on the shape of the teacher's remote-signer
// client (dedicated *http.Client per call, explicit timeout, no implicit
// proxy or redirect following so SSRF validation can't be bypassed by a
// 3xx hop to a disallowed host).
package connector

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"policygateway/internal/domain"
)

// placeholderPattern matches the {key} tokens a manifest's tool URL
// template may contain, e.g. "https://api.example.com/mailboxes/{mailbox}".
var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// fillURLPlaceholders substitutes every {key} token in rawURL with the
// url-escaped string form of params[key], and returns the params map with
// every consumed key removed so a filled value isn't also duplicated into
// the request body. A token with no matching param is left untouched.
func fillURLPlaceholders(rawURL string, params map[string]any) (string, map[string]any) {
	if !strings.Contains(rawURL, "{") {
		return rawURL, params
	}
	remaining := make(map[string]any, len(params))
	for k, v := range params {
		remaining[k] = v
	}
	filled := placeholderPattern.ReplaceAllStringFunc(rawURL, func(match string) string {
		key := match[1 : len(match)-1]
		v, ok := remaining[key]
		if !ok {
			return match
		}
		delete(remaining, key)
		return url.PathEscape(fmt.Sprint(v))
	})
	return filled, remaining
}

// HTTPConnector invokes a tool over plain HTTP(S) with a JSON request body.
type HTTPConnector struct {
	timeout        time.Duration
	allowedDomains []string
}

// NewHTTPConnector builds an HTTPConnector with a default timeout and
// domain allowlist; both are overridden per-call by cfg when set.
func NewHTTPConnector(timeout time.Duration, allowedDomains []string) *HTTPConnector {
	return &HTTPConnector{timeout: timeout, allowedDomains: allowedDomains}
}

func (c *HTTPConnector) client(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		// No redirect following: a redirect to a disallowed host would
		// otherwise bypass validate_url, which only inspects the
		// original request URL.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Transport: otelhttp.NewTransport(&http.Transport{
			Proxy:                 nil,
			DisableCompression:    false,
			ResponseHeaderTimeout: timeout,
		}),
	}
}

// Execute validates cfg.URL, re-resolves it immediately before dispatch to
// catch DNS drift, then performs the HTTP call with the response body
// capped at cfg.MaxResponseBytes (or a safe default).
func (c *HTTPConnector) Execute(ctx context.Context, cfg domain.ToolConfig, action domain.Action) (domain.ConnectorResult, error) {
	start := time.Now()

	targetURL, bodyParams := fillURLPlaceholders(cfg.URL, action.Params)

	domains := cfg.AllowedDomains
	if len(domains) == 0 {
		domains = c.allowedDomains
	}
	resolved, err := ValidateURL(ctx, targetURL, domains)
	if err != nil {
		if errors.Is(err, ErrDomainNotAllowed) {
			return errResult(start, "DOMAIN_NOT_ALLOWED", err.Error()), nil
		}
		return errResult(start, "SSRF_BLOCKED", err.Error()), nil
	}

	timeout := c.timeout
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if drifted, err := CheckDrift(ctx, resolved); err != nil {
		return errResult(start, "SSRF_BLOCKED", err.Error()), nil
	} else if drifted {
		return errResult(start, "SSRF_DNS_DRIFT", fmt.Sprintf("host %q resolved differently immediately before dispatch", resolved.Host)), nil
	}

	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	body, err := json.Marshal(bodyParams)
	if err != nil {
		return errResult(start, "CONNECTOR_FAILED", err.Error()), nil
	}
	req, err := http.NewRequestWithContext(ctx, method, targetURL, bytes.NewReader(body))
	if err != nil {
		return errResult(start, "CONNECTOR_FAILED", err.Error()), nil
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client(timeout).Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errResult(start, "CONNECTOR_TIMEOUT", err.Error()), nil
		}
		return errResult(start, "CONNECTOR_FAILED", err.Error()), nil
	}
	defer resp.Body.Close()

	maxBytes := cfg.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20 // 1 MiB default cap
	}
	limited := io.LimitReader(resp.Body, maxBytes+1)
	respBody, err := io.ReadAll(limited)
	if err != nil {
		return errResult(start, "CONNECTOR_FAILED", err.Error()), nil
	}
	if int64(len(respBody)) > maxBytes {
		return errResult(start, "RESPONSE_TOO_LARGE", fmt.Sprintf("response exceeded %d byte cap", maxBytes)), nil
	}

	sum := sha256.Sum256(respBody)
	result := domain.ConnectorResult{
		StatusCode: resp.StatusCode,
		ResultHash: hex.EncodeToString(sum[:]),
		DurationMS: time.Since(start).Milliseconds(),
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result.Success = false
		result.ErrorCode = "tool_error_status"
		result.ErrorMessage = fmt.Sprintf("tool responded with status %d", resp.StatusCode)
		result.Data = map[string]any{"raw_body": string(respBody)}
		return result, nil
	}

	var decoded map[string]any
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &decoded); err != nil {
			decoded = map[string]any{"raw_body": string(respBody)}
		}
	}
	result.Success = true
	result.Data = decoded
	return result, nil
}

func errResult(start time.Time, code, message string) domain.ConnectorResult {
	return domain.ConnectorResult{
		Success:      false,
		ErrorCode:    code,
		ErrorMessage: message,
		DurationMS:   time.Since(start).Milliseconds(),
	}
}
