package twitter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"twicorder/internal/config"
	logx "twicorder/pkg/logx"
)

const (
	// DefaultBaseURL is the v1.1 REST API root.
	DefaultBaseURL = "https://api.twitter.com/1.1"

	tokenURL = "https://api.twitter.com/oauth2/token"

	headerRemaining = "x-rate-limit-remaining"
	headerReset     = "x-rate-limit-reset"

	// createdAtLayout is the timestamp format used in API payloads.
	createdAtLayout = "Mon Jan 02 15:04:05 -0700 2006"
)

// Client performs authenticated API calls. It applies a local politeness cap
// on outgoing request rate; the server-side budget is the rate tracker's
// business, not the client's.
type Client struct {
	http    *http.Client
	baseURL string
	limiter *rate.Limiter
	creds   config.CredentialsConfig
	log     logx.Logger

	mu     sync.Mutex
	bearer string
}

func NewClient(cfg config.ClientConfig, creds config.CredentialsConfig, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	var lim *rate.Limiter
	if cfg.RequestsPerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1)
	}
	return &Client{
		http:    &http.Client{Timeout: config.ParseDuration(cfg.Timeout, 30*time.Second)},
		baseURL: base,
		limiter: lim,
		creds:   creds,
		log:     log,
	}
}

// URL builds a request url for an API path, e.g. "/search/tweets".
func (c *Client) URL(path string) string {
	return c.baseURL + path + ".json"
}

// bearerToken returns the configured bearer token, obtaining one through the
// client-credentials grant on first use when only a consumer key pair is
// configured.
func (c *Client) bearerToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bearer != "" {
		return c.bearer, nil
	}
	if c.creds.BearerToken != "" {
		c.bearer = c.creds.BearerToken
		return c.bearer, nil
	}
	if c.creds.ConsumerKey == "" || c.creds.ConsumerSecret == "" {
		return "", Fatal(ErrNoCredentials)
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	basic := base64.StdEncoding.EncodeToString([]byte(c.creds.ConsumerKey + ":" + c.creds.ConsumerSecret))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", Fatal(&StatusError{Status: resp.StatusCode, Body: trimBody(body)})
	}
	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", err
	}
	if tok.AccessToken == "" {
		return "", Fatal(fmt.Errorf("token response carried no access_token"))
	}
	c.bearer = tok.AccessToken
	c.log.Info("obtained app bearer token")
	return c.bearer, nil
}

// Do performs one authenticated call and returns the response body together
// with the server-reported rate budget. A non-nil form switches the request
// to POST with a form-encoded body.
//
// Errors are classified for the executor: auth and client errors come back
// wrapped with Fatal, budget exhaustion (429) with RetryAfter, everything
// else (network, 5xx) plain and therefore transient.
func (c *Client) Do(ctx context.Context, rawurl string, form url.Values) ([]byte, RateInfo, error) {
	var ri RateInfo

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, ri, err
		}
	}
	token, err := c.bearerToken(ctx)
	if err != nil {
		return nil, ri, err
	}

	method := http.MethodGet
	var body io.Reader
	if form != nil {
		method = http.MethodPost
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, rawurl, body)
	if err != nil {
		return nil, ri, Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, ri, err
	}
	defer resp.Body.Close()
	ri = parseRateHeaders(resp.Header)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ri, err
	}
	if resp.StatusCode == http.StatusOK {
		return data, ri, nil
	}

	serr := &StatusError{Status: resp.StatusCode, Body: trimBody(data)}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		after := time.Minute
		if ri.Known && !ri.ResetAt.IsZero() {
			if d := time.Until(ri.ResetAt); d > 0 {
				after = d
			}
		}
		return nil, ri, RetryAfter(serr, after)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Bad credentials, protected accounts, malformed arguments. Retrying
		// cannot change the outcome.
		return nil, ri, Fatal(serr)
	default:
		return nil, ri, serr
	}
}

// parseRateHeaders reads the server-reported budget. Both headers must be
// present for the report to count as known.
func parseRateHeaders(h http.Header) RateInfo {
	rem := h.Get(headerRemaining)
	res := h.Get(headerReset)
	if rem == "" || res == "" {
		return RateInfo{}
	}
	remaining, err := strconv.Atoi(rem)
	if err != nil {
		return RateInfo{}
	}
	epoch, err := strconv.ParseInt(res, 10, 64)
	if err != nil {
		return RateInfo{}
	}
	return RateInfo{Known: true, Remaining: remaining, ResetAt: time.Unix(epoch, 0)}
}

func trimBody(b []byte) string {
	const max = 256
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
