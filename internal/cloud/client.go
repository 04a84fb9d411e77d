// Package cloud is the client of the vendor account API: login, device
// listings, trusted devices and push token registration.
package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultBaseURL is the account API entry point before the login
// response names the regional domain.
const DefaultBaseURL = "https://mysecurity.eufylife.com/api/v1"

const appVersion = "v2.8.0_887"

var (
	ErrAuthRenewRequired  = errors.New("authentication renewal required")
	ErrAuth               = errors.New("authentication failed")
	ErrNetwork            = errors.New("account api unreachable")
	ErrVerifyCodeRequired = errors.New("verification code required")
)

// Response codes of the account API.
const (
	codeOK             = 0
	codeNeedVerifyCode = 26052
	codeTokenExpired   = 401
)

// trustedTokenExpiration is the token lifetime granted to trusted devices.
var trustedTokenExpiration = time.Date(2100, time.December, 31, 23, 59, 59, 0, time.UTC)

// AuthResult is the outcome of Authenticate.
type AuthResult int

const (
	AuthOK AuthResult = iota
	AuthRenew
	AuthSendVerifyCode
	AuthError
)

func (r AuthResult) String() string {
	switch r {
	case AuthOK:
		return "ok"
	case AuthRenew:
		return "renew"
	case AuthSendVerifyCode:
		return "send_verify_code"
	default:
		return "error"
	}
}

// Verification methods for the second login factor.
const (
	VerifyByEmail = 0
	VerifyBySMS   = 1
)

// Config identifies the account and this client.
type Config struct {
	Username     string
	Password     string
	Country      string
	Language     string
	OpenUDID     string
	SerialNumber string
	VerifyMethod int
	BaseURL      string
	Timeout      time.Duration
}

// Client talks to the account API. It is safe for concurrent use.
type Client struct {
	http   *resty.Client
	cfg    Config
	logger *slog.Logger

	mu         sync.RWMutex
	base       string
	token      string
	expiration time.Time
}

func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Country == "" {
		cfg.Country = "DE"
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	c := &Client{
		cfg:    cfg,
		base:   cfg.BaseURL,
		logger: logger.With("component", "cloud"),
	}
	c.http = resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("app_version", appVersion).
		SetHeader("os_type", "android").
		SetHeader("os_version", "30").
		SetHeader("phone_model", "ONEPLUS A3003").
		SetHeader("openudid", cfg.OpenUDID).
		SetHeader("sn", cfg.SerialNumber).
		SetHeader("language", cfg.Language).
		SetHeader("country", strings.ToUpper(cfg.Country)).
		SetHeader("net_type", "wifi").
		SetHeader("timezone", "GMT+01:00")
	return c
}

// SetToken installs a cached token.
func (c *Client) SetToken(token string, expiration time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	c.expiration = expiration
}

// Token returns the current token and its expiration.
func (c *Client) Token() (string, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token, c.expiration
}

// SetAPIBase switches the API base url.
func (c *Client) SetAPIBase(base string) {
	if base == "" {
		return
	}
	c.mu.Lock()
	c.base = base
	c.mu.Unlock()
	c.http.SetBaseURL(base)
}

// APIBase returns the API base url in use.
func (c *Client) APIBase() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.base
}

// TrustedTokenExpiration is the expiration a trusted client's token gets.
func (c *Client) TrustedTokenExpiration() time.Time { return trustedTokenExpiration }

// Authenticate makes sure the client holds a valid token. A cached token
// that has expired is dropped and AuthRenew is returned so the caller can
// retry once.
func (c *Client) Authenticate(ctx context.Context) (AuthResult, error) {
	token, exp := c.Token()
	if token != "" {
		if exp.IsZero() || time.Now().Before(exp) {
			return AuthOK, nil
		}
		c.logger.Info("cloud token expired, renewing")
		c.SetToken("", time.Time{})
		return AuthRenew, ErrAuthRenewRequired
	}
	return c.login(ctx, "", true)
}

// Login logs in with a verification code received by email or sms.
func (c *Client) Login(ctx context.Context, verifyCode string) (AuthResult, error) {
	return c.login(ctx, verifyCode, true)
}

func (c *Client) login(ctx context.Context, verifyCode string, followDomain bool) (AuthResult, error) {
	req := loginRequest{Email: c.cfg.Username, Password: c.cfg.Password, VerifyCode: verifyCode}
	env, err := c.post(ctx, "passport/login", req, false)
	if err != nil {
		return AuthError, err
	}

	switch env.Code {
	case codeOK:
		var data loginData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return AuthError, fmt.Errorf("decode login response: %w", err)
		}
		if data.Domain != "" {
			base := "https://" + data.Domain + "/v1"
			if base != c.APIBase() {
				c.SetAPIBase(base)
				c.logger.Info("switching to regional api", "base", base)
				if followDomain {
					return c.login(ctx, verifyCode, false)
				}
			}
		}
		c.SetToken(data.AuthToken, time.Unix(data.TokenExpiresAt, 0))
		c.logger.Info("cloud login succeeded", "expires", time.Unix(data.TokenExpiresAt, 0))
		return AuthOK, nil

	case codeNeedVerifyCode:
		c.logger.Info("cloud login needs a verification code")
		// The pre-auth token only allows requesting the code.
		var data loginData
		if err := json.Unmarshal(env.Data, &data); err == nil && data.AuthToken != "" {
			c.SetToken(data.AuthToken, time.Unix(data.TokenExpiresAt, 0))
		}
		if err := c.SendVerifyCode(ctx); err != nil {
			return AuthError, err
		}
		return AuthSendVerifyCode, ErrVerifyCodeRequired

	default:
		return AuthError, fmt.Errorf("%w: code %d: %s", ErrAuth, env.Code, env.Msg)
	}
}

// SendVerifyCode asks the API to send a verification code.
func (c *Client) SendVerifyCode(ctx context.Context) error {
	env, err := c.post(ctx, "sms/send/verify_code", map[string]any{"message_type": c.cfg.VerifyMethod}, true)
	if err != nil {
		return err
	}
	if env.Code != codeOK {
		return fmt.Errorf("%w: send verify code: code %d: %s", ErrAuth, env.Code, env.Msg)
	}
	return nil
}

// ListTrustDevices lists the trusted clients of the account.
func (c *Client) ListTrustDevices(ctx context.Context) ([]TrustDevice, error) {
	var out struct {
		List []TrustDevice `json:"list"`
	}
	if err := c.call(ctx, "app/trust_device/list", struct{}{}, &out); err != nil {
		return nil, err
	}
	return out.List, nil
}

// AddTrustDevice registers this client as trusted using a verify code.
func (c *Client) AddTrustDevice(ctx context.Context, verifyCode string) error {
	return c.call(ctx, "app/trust_device/add", map[string]any{
		"verify_code": verifyCode,
		"transaction": c.cfg.OpenUDID,
	}, nil)
}

// IsTrusted reports whether this client is in the trusted list.
func (c *Client) IsTrusted(ctx context.Context) (bool, error) {
	list, err := c.ListTrustDevices(ctx)
	if err != nil {
		return false, err
	}
	for _, d := range list {
		if d.IsCurrentDevice == 1 {
			return true, nil
		}
	}
	return false, nil
}

// Hubs lists the stations of the account.
func (c *Client) Hubs(ctx context.Context) ([]Hub, error) {
	var hubs []Hub
	if err := c.call(ctx, "app/get_hub_list", listRequest{Num: 1000}, &hubs); err != nil {
		return nil, err
	}
	return hubs, nil
}

// Devices lists the devices of the account.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	var devices []Device
	if err := c.call(ctx, "app/get_devs_list", listRequest{Num: 1000}, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// RegisterPushToken registers the push service token of this client.
func (c *Client) RegisterPushToken(ctx context.Context, token string) error {
	return c.call(ctx, "apppush/register_push_token", map[string]any{
		"is_notification_enable": true,
		"token":                  token,
		"user_agent":             "eufySecurity-Android-" + appVersion,
	}, nil)
}

// CheckPushToken tells the API the push token is still alive.
func (c *Client) CheckPushToken(ctx context.Context) error {
	return c.call(ctx, "app/review/app_push_check", map[string]any{
		"app_type":    "eufySecurity",
		"transaction": time.Now().UnixMilli(),
	}, nil)
}

// call posts an authenticated request and decodes data into out.
func (c *Client) call(ctx context.Context, path string, body, out any) error {
	env, err := c.post(ctx, path, body, true)
	if err != nil {
		return err
	}
	switch env.Code {
	case codeOK:
	case codeTokenExpired:
		c.SetToken("", time.Time{})
		return fmt.Errorf("%s: %w", path, ErrAuthRenewRequired)
	default:
		return fmt.Errorf("%s: code %d: %s", path, env.Code, env.Msg)
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any, auth bool) (*envelope, error) {
	req := c.http.R().SetContext(ctx).SetBody(body)
	if auth {
		token, _ := c.Token()
		if token == "" {
			return nil, fmt.Errorf("%s: %w", path, ErrAuthRenewRequired)
		}
		req.SetHeader("x-auth-token", token)
	}

	var env envelope
	resp, err := req.SetResult(&env).Post(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNetwork, path, err)
	}
	switch {
	case resp.StatusCode() == http.StatusUnauthorized:
		c.SetToken("", time.Time{})
		return nil, fmt.Errorf("%s: %w", path, ErrAuthRenewRequired)
	case resp.StatusCode() >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: %s: status %d", ErrNetwork, path, resp.StatusCode())
	case resp.IsError():
		return nil, fmt.Errorf("%s: status %d", path, resp.StatusCode())
	}
	c.logger.Debug("cloud call", "path", path, "code", env.Code)
	return &env, nil
}
