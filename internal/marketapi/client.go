// Package marketapi wraps the marketplace mtop REST endpoints the daemon
// needs: the websocket access-token exchange and item detail lookup. Expiry
// class failures wrap creds.ErrExpired so the session supervisor can trigger
// re-auth instead of plain reconnects.
package marketapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/idlemarket/fishbot/internal/creds"
	"github.com/idlemarket/fishbot/internal/wire"
)

// ErrCredentialExpired classifies token-expiry responses. It wraps
// creds.ErrExpired.
var ErrCredentialExpired = fmt.Errorf("marketapi: %w", creds.ErrExpired)

// expiryKeywords are the mtop error codes that mean the login session is
// gone and only re-auth will help.
var expiryKeywords = []string{
	"TOKEN_EMPTY",
	"TOKEN_EXPIRED",
	"SESSION_EXPIRED",
	"SID_INVALID",
	"FAIL_SYS_TOKEN_EXPIRED",
	"FAIL_SYS_TOKEN_EMPTY",
	"ILLEGAL_ACCESS",
}

const (
	defaultBaseURL = "https://h5api.m.goofish.com"
	tokenAPI       = "mtop.taobao.idlemessage.pc.login.token"
	itemAPI        = "mtop.taobao.idle.pc.detail"

	clientUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36"
)

type ClientOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Clock      func() time.Time
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	clock      func() time.Time
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		clock:      clock,
	}
}

type mtopResponse struct {
	Ret  []string        `json:"ret"`
	Data json.RawMessage `json:"data"`
}

// AccessToken exchanges login cookies for a websocket access token. It
// satisfies session.TokenSource. Missing login cookies are classified as
// expired without a network round trip.
func (c *Client) AccessToken(ctx context.Context, cookies map[string]string, deviceID string) (string, error) {
	for _, required := range []string{"_m_h5_tk", "_m_h5_tk_enc", "unb"} {
		if strings.TrimSpace(cookies[required]) == "" {
			return "", fmt.Errorf("missing %s cookie: %w", required, ErrCredentialExpired)
		}
	}
	token := strings.SplitN(cookies["_m_h5_tk"], "_", 2)[0]
	timestamp := strconv.FormatInt(c.clock().UnixMilli(), 10)
	payload := `{"appKey":"` + wire.AppKey + `","deviceId":"` + deviceID + `"}`

	params := url.Values{
		"jsv":           {"2.7.2"},
		"appKey":        {wire.SignAppKey},
		"t":             {timestamp},
		"sign":          {wire.Sign(timestamp, token, payload)},
		"v":             {"1.0"},
		"type":          {"originaljson"},
		"accountSite":   {"xianyu"},
		"dataType":      {"json"},
		"timeout":       {"20000"},
		"api":           {tokenAPI},
		"sessionOption": {"AutoLoginOnly"},
		"spm_cnt":       {"a21ybx.im.0.0"},
	}
	form := url.Values{"data": {payload}}

	var parsed mtopResponse
	if err := c.postForm(ctx, "/h5/"+tokenAPI+"/1.0/", params, form, cookies, &parsed); err != nil {
		return "", err
	}
	if err := classifyRet(parsed.Ret); err != nil {
		return "", err
	}
	var data struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.Unmarshal(parsed.Data, &data); err != nil || data.AccessToken == "" {
		return "", fmt.Errorf("token response carried no accessToken: %w", ErrCredentialExpired)
	}
	return data.AccessToken, nil
}

// Item is the subset of the item detail response the reply pipeline uses.
type Item struct {
	ID          string
	Title       string
	Description string
	PriceText   string
}

// ItemInfo fetches the item detail used to enrich generated replies.
func (c *Client) ItemInfo(ctx context.Context, cookies map[string]string, itemID string) (*Item, error) {
	if strings.TrimSpace(itemID) == "" {
		return nil, errors.New("marketapi: item id is required")
	}
	timestamp := strconv.FormatInt(c.clock().UnixMilli(), 10)
	params := url.Values{
		"jsv":      {"2.6.1"},
		"appKey":   {"12574478"},
		"t":        {timestamp},
		"sign":     {"1"},
		"v":        {"1.0"},
		"type":     {"originaljson"},
		"dataType": {"json"},
	}
	form := url.Values{"data": {`{"itemId":"` + itemID + `"}`}}

	var parsed mtopResponse
	if err := c.postForm(ctx, "/h5/"+itemAPI+"/1.0/", params, form, cookies, &parsed); err != nil {
		return nil, err
	}
	if err := classifyRet(parsed.Ret); err != nil {
		return nil, err
	}
	var data struct {
		ItemDO struct {
			Title        string `json:"title"`
			Desc         string `json:"desc"`
			SoldPrice    string `json:"soldPrice"`
			PriceInCents int64  `json:"price"`
		} `json:"itemDO"`
	}
	if err := json.Unmarshal(parsed.Data, &data); err != nil {
		return nil, fmt.Errorf("marketapi: malformed item detail: %w", err)
	}
	item := &Item{
		ID:          itemID,
		Title:       data.ItemDO.Title,
		Description: data.ItemDO.Desc,
		PriceText:   data.ItemDO.SoldPrice,
	}
	if item.PriceText == "" && data.ItemDO.PriceInCents > 0 {
		item.PriceText = strconv.FormatFloat(float64(data.ItemDO.PriceInCents)/100, 'f', 2, 64)
	}
	return item, nil
}

func (c *Client) postForm(ctx context.Context, path string, params, form url.Values, cookies map[string]string, out *mtopResponse) error {
	endpoint := c.baseURL + path + "?" + params.Encode()
	body := form.Encode()

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Origin", "https://www.goofish.com")
		req.Header.Set("Referer", "https://www.goofish.com/")
		req.Header.Set("User-Agent", clientUserAgent)
		req.Header.Set("Cookie", cookieHeader(cookies))

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("marketapi: %s failed: status=%d body=%s", path, resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("marketapi: malformed response: %w", err)
		}
		return nil
	}
}

// classifyRet inspects the mtop ret field: SUCCESS passes, expiry-class
// codes map to ErrCredentialExpired, anything else is a transient failure.
func classifyRet(ret []string) error {
	if len(ret) == 0 {
		return errors.New("marketapi: response carried no ret code")
	}
	code := ret[0]
	if strings.Contains(code, "SUCCESS::") {
		return nil
	}
	for _, keyword := range expiryKeywords {
		if strings.Contains(code, keyword) {
			return fmt.Errorf("%s: %w", code, ErrCredentialExpired)
		}
	}
	return fmt.Errorf("marketapi: request failed: %s", code)
}

func cookieHeader(cookies map[string]string) string {
	if len(cookies) == 0 {
		return ""
	}
	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, name+"="+cookies[name])
	}
	return strings.Join(pairs, "; ")
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
