package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// IdentityPlaceholder is substituted with the query-escaped identity in a
// token URL template.
const IdentityPlaceholder = "%s"

// maxTokenBody bounds how much of a token response is read.
const maxTokenBody = 64 << 10

// HTTPTokenFetcher fetches access tokens with a GET against a URL template.
type HTTPTokenFetcher struct {
	template string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPTokenFetcher creates a fetcher for template, which must contain
// exactly one IdentityPlaceholder.
func NewHTTPTokenFetcher(template string, timeout time.Duration, logger *slog.Logger) (*HTTPTokenFetcher, error) {
	if err := ValidateTokenURL(template); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTokenFetcher{
		template: template,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}, nil
}

// ValidateTokenURL checks that template has one placeholder and expands to
// an absolute http(s) URL.
func ValidateTokenURL(template string) error {
	if n := strings.Count(template, IdentityPlaceholder); n != 1 {
		return fmt.Errorf("token url must contain exactly one %q placeholder, found %d", IdentityPlaceholder, n)
	}
	u, err := url.Parse(expandTokenURL(template, "identity"))
	if err != nil {
		return fmt.Errorf("invalid token url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("token url must be an absolute http(s) url: %s", template)
	}
	return nil
}

func expandTokenURL(template, identity string) string {
	return strings.Replace(template, IdentityPlaceholder, url.QueryEscape(identity), 1)
}

// URL returns the token URL for identity.
func (f *HTTPTokenFetcher) URL(identity string) string {
	return expandTokenURL(f.template, identity)
}

// FetchToken implements TokenFetcher. The endpoint may answer with a JSON
// object carrying a "token" field or with the bare token as text.
func (f *HTTPTokenFetcher) FetchToken(ctx context.Context, identity string) (string, error) {
	target := f.URL(identity)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json, text/plain")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{URL: target, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBody))
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}

	token, err := parseTokenBody(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return "", err
	}
	f.logger.Debug("fetched chat token", "identity", identity, "bytes", len(token))
	return token, nil
}

func parseTokenBody(contentType string, body []byte) (string, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	trimmed := strings.TrimSpace(string(body))

	if mediaType == "application/json" || strings.HasPrefix(trimmed, "{") {
		var payload struct {
			Identity string `json:"identity"`
			Token    string `json:"token"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return "", fmt.Errorf("failed to parse token response: %w", err)
		}
		trimmed = strings.TrimSpace(payload.Token)
	}

	if trimmed == "" {
		return "", ErrEmptyToken
	}
	return trimmed, nil
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
