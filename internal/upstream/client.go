package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/repoworker/repoworker/internal/config"
	"github.com/repoworker/repoworker/internal/digest"
	"github.com/repoworker/repoworker/internal/logger"
)

var (
	// ErrNotFound marks a 404 from the upstream registry.
	ErrNotFound = errors.New("upstream: not found")

	// ErrAuthFailed marks a 401 that survived the token exchange.
	ErrAuthFailed = errors.New("upstream: authentication failed")
)

const (
	mediaTypeDockerManifest = "application/vnd.docker.distribution.manifest.v2+json"
	mediaTypeDockerList     = "application/vnd.docker.distribution.manifest.list.v2+json"
)

// manifestAccept lists every manifest flavor the worker can store.
var manifestAccept = strings.Join([]string{
	mediaTypeDockerManifest,
	mediaTypeDockerList,
	ocispec.MediaTypeImageManifest,
	ocispec.MediaTypeImageIndex,
}, ", ")

// sharedTransport is reused by every upstream client.
var sharedTransport = &http.Transport{
	MaxIdleConns:        100,
	MaxIdleConnsPerHost: 10,
	IdleConnTimeout:     90 * time.Second,
}

// Client talks the distribution protocol to one upstream registry,
// handling the token-exchange dance transparently.
type Client struct {
	name       string
	baseURL    string
	authType   string
	username   string
	password   string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	retryDelay time.Duration
	logger     *logrus.Entry

	mu     sync.Mutex
	tokens map[string]string // (service|scope) -> bearer token
}

func NewClient(cfg config.UpstreamConfig, log *logrus.Logger) *Client {
	return &Client{
		name:     cfg.Name,
		baseURL:  strings.TrimSuffix(cfg.URL, "/"),
		authType: cfg.AuthType,
		username: cfg.Username,
		password: cfg.Password,
		token:    cfg.Token,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: sharedTransport,
		},
		limiter:    rate.NewLimiter(rate.Limit(20), 40),
		retryDelay: 500 * time.Millisecond,
		logger:     logger.ForComponent(log, "upstream").WithField("upstream", cfg.Name),
		tokens:     make(map[string]string),
	}
}

// Name returns the configured upstream name.
func (c *Client) Name() string {
	return c.name
}

// HeadManifest returns the digest advertised for a reference.
func (c *Client) HeadManifest(ctx context.Context, image, ref string) (string, error) {
	resp, err := c.do(ctx, http.MethodHead, c.manifestURL(image, ref), image)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%s/%s:%s: %w", c.name, image, ref, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upstream %s returned %d for HEAD manifest", c.name, resp.StatusCode)
	}
	return resp.Header.Get("Docker-Content-Digest"), nil
}

// GetManifest fetches manifest bytes. The digest comes from the response
// header when present, otherwise it is computed from the body.
func (c *Client) GetManifest(ctx context.Context, image, ref string) ([]byte, string, string, error) {
	resp, err := c.do(ctx, http.MethodGet, c.manifestURL(image, ref), image)
	if err != nil {
		return nil, "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", "", fmt.Errorf("%s/%s:%s: %w", c.name, image, ref, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", "", fmt.Errorf("upstream %s returned %d for GET manifest", c.name, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", "", fmt.Errorf("reading manifest body: %w", err)
	}

	dgst := resp.Header.Get("Docker-Content-Digest")
	if dgst == "" {
		dgst = digest.FromBytes(body)
	}
	return body, dgst, resp.Header.Get("Content-Type"), nil
}

// HeadBlob reports the size of a blob without downloading it.
func (c *Client) HeadBlob(ctx context.Context, image, dgst string) (int64, error) {
	resp, err := c.do(ctx, http.MethodHead, c.blobURL(image, dgst), image)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, fmt.Errorf("%s/%s@%s: %w", c.name, image, dgst, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("upstream %s returned %d for HEAD blob", c.name, resp.StatusCode)
	}
	return resp.ContentLength, nil
}

// GetBlob streams a blob. The caller owns the returned reader.
func (c *Client) GetBlob(ctx context.Context, image, dgst string) (io.ReadCloser, int64, error) {
	resp, err := c.do(ctx, http.MethodGet, c.blobURL(image, dgst), image)
	if err != nil {
		return nil, 0, err
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("%s/%s@%s: %w", c.name, image, dgst, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("upstream %s returned %d for GET blob", c.name, resp.StatusCode)
	}
	return resp.Body, resp.ContentLength, nil
}

func (c *Client) manifestURL(image, ref string) string {
	return fmt.Sprintf("%s/v2/%s/manifests/%s", c.baseURL, image, ref)
}

func (c *Client) blobURL(image, dgst string) string {
	return fmt.Sprintf("%s/v2/%s/blobs/%s", c.baseURL, image, dgst)
}

// do runs one request with transparent 401 token exchange and exponential
// backoff for transient failures. A second 401 after a fresh token is
// terminal.
func (c *Client) do(ctx context.Context, method, rawURL, image string) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		resp, err := c.attempt(ctx, method, rawURL, image, "")
		if err != nil {
			lastErr = fmt.Errorf("upstream %s transport error: %w", c.name, err)
			c.logger.WithError(err).Warn("Upstream request failed, retrying")
			continue
		}

		if resp.StatusCode == http.StatusUnauthorized {
			challenge := resp.Header.Get("WWW-Authenticate")
			resp.Body.Close()

			token, err := c.exchangeToken(ctx, challenge, image)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
			}

			resp, err = c.attempt(ctx, method, rawURL, image, token)
			if err != nil {
				return nil, fmt.Errorf("upstream %s transport error after auth: %w", c.name, err)
			}
			if resp.StatusCode == http.StatusUnauthorized {
				resp.Body.Close()
				return nil, fmt.Errorf("%w: token rejected", ErrAuthFailed)
			}
			return resp, nil
		}

		if resp.StatusCode >= 500 {
			c.logger.Warnf("Upstream returned %d for %s %s, retrying", resp.StatusCode, method, rawURL)
			resp.Body.Close()
			lastErr = fmt.Errorf("upstream %s returned %d", c.name, resp.StatusCode)
			continue
		}

		return resp, nil
	}

	return nil, lastErr
}

// attempt issues a single request. forceToken overrides the cached token
// right after an exchange.
func (c *Client) attempt(ctx context.Context, method, rawURL, image, forceToken string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", manifestAccept)

	switch {
	case forceToken != "":
		req.Header.Set("Authorization", "Bearer "+forceToken)
	case c.cachedToken(image) != "":
		req.Header.Set("Authorization", "Bearer "+c.cachedToken(image))
	case c.authType == "token" && c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.authType == "basic" && c.username != "":
		req.SetBasicAuth(c.username, c.password)
	}

	return c.httpClient.Do(req)
}

// exchangeToken performs the registry token dance: parse the challenge,
// GET <realm>?service=...&scope=..., pull token or access_token from the
// JSON response, cache it.
func (c *Client) exchangeToken(ctx context.Context, challengeHeader, image string) (string, error) {
	challenge, err := ParseChallenge(challengeHeader)
	if err != nil {
		return "", err
	}

	scope := challenge.Scope
	if scope == "" {
		scope = fmt.Sprintf("repository:%s:pull", image)
	}

	tokenURL, err := url.Parse(challenge.Realm)
	if err != nil {
		return "", fmt.Errorf("invalid token realm %q: %w", challenge.Realm, err)
	}
	q := tokenURL.Query()
	if challenge.Service != "" {
		q.Set("service", challenge.Service)
	}
	q.Set("scope", scope)
	tokenURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL.String(), nil)
	if err != nil {
		return "", err
	}
	if c.authType == "basic" && c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var payload struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}

	token := payload.Token
	if token == "" {
		token = payload.AccessToken
	}
	if token == "" {
		return "", fmt.Errorf("token endpoint returned no token")
	}

	c.mu.Lock()
	c.tokens[challenge.Service+"|"+scope] = token
	c.mu.Unlock()

	c.logger.Debugf("Obtained token for scope %s", scope)
	return token, nil
}

// cachedToken returns a previously exchanged token usable for pulling the
// image, if any.
func (c *Client) cachedToken(image string) string {
	scopeSuffix := "|repository:" + image + ":pull"

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, token := range c.tokens {
		if strings.HasSuffix(key, scopeSuffix) {
			return token
		}
	}
	return ""
}
