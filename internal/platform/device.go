package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/miyabi-org/miyabi/internal/common/apperr"
)

// Device-flow login: the user enters a short code on the platform's
// verification page while the CLI polls for the resulting token. Both
// endpoints live on the web host, not the API host.
const (
	defaultAuthBaseURL = "https://github.com"
	deviceCodePath     = "/login/device/code"
	deviceTokenPath    = "/login/oauth/access_token"

	defaultDeviceScope = "repo"
	minPollInterval    = 5 * time.Second
)

// DeviceCode is the user-facing half of a pending device-flow login.
type DeviceCode struct {
	// UserCode is what the user types on the verification page.
	UserCode string
	// VerificationURI is where the user types it.
	VerificationURI string
	// ExpiresAt is when the pending login stops being redeemable.
	ExpiresAt time.Time

	deviceCode string
	interval   time.Duration
}

// DeviceFlow drives a device-flow token exchange.
type DeviceFlow struct {
	client   *resty.Client
	baseURL  string
	clientID string
	scope    string
	now      func() time.Time
}

// DeviceFlowOption configures a DeviceFlow.
type DeviceFlowOption func(*DeviceFlow)

// WithAuthBaseURL points the flow at a different web host, e.g. an
// enterprise installation.
func WithAuthBaseURL(u string) DeviceFlowOption {
	return func(f *DeviceFlow) { f.baseURL = u }
}

// WithDeviceScope overrides the requested token scope.
func WithDeviceScope(scope string) DeviceFlowOption {
	return func(f *DeviceFlow) { f.scope = scope }
}

// NewDeviceFlow creates a device-flow login for the given OAuth app.
func NewDeviceFlow(clientID string, opts ...DeviceFlowOption) *DeviceFlow {
	f := &DeviceFlow{
		client: resty.New().
			SetTimeout(defaultTimeout).
			SetHeader("Accept", "application/json").
			SetHeader("User-Agent", defaultUserAgent),
		baseURL:  defaultAuthBaseURL,
		clientID: clientID,
		scope:    defaultDeviceScope,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

type deviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

type deviceTokenResponse struct {
	AccessToken string `json:"access_token"`
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

// Start requests a device code. The caller shows UserCode and
// VerificationURI to the user, then calls Wait.
func (f *DeviceFlow) Start(ctx context.Context) (*DeviceCode, error) {
	var res deviceCodeResponse
	resp, err := f.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"client_id": f.clientID,
			"scope":     f.scope,
		}).
		SetResult(&res).
		Post(f.baseURL + deviceCodePath)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeNetwork, err, "failed to start the device login")
	}
	if resp.IsError() || res.DeviceCode == "" {
		return nil, apperr.New(apperr.CodeAuth, fmt.Sprintf("device login rejected (status %d)", resp.StatusCode())).
			WithSuggestion("check that the OAuth client id is valid for this platform")
	}

	interval := time.Duration(res.Interval) * time.Second
	if interval < minPollInterval {
		interval = minPollInterval
	}
	return &DeviceCode{
		UserCode:        res.UserCode,
		VerificationURI: res.VerificationURI,
		ExpiresAt:       f.now().Add(time.Duration(res.ExpiresIn) * time.Second),
		deviceCode:      res.DeviceCode,
		interval:        interval,
	}, nil
}

// Wait polls until the user approves the login, the code expires, or ctx
// ends. On success it returns the access token.
func (f *DeviceFlow) Wait(ctx context.Context, code *DeviceCode) (string, error) {
	interval := code.interval
	for {
		if f.now().After(code.ExpiresAt) {
			return "", apperr.New(apperr.CodeAuth, "the device login code expired before it was approved").
				WithSuggestion("run the login again and enter the new code")
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}

		var res deviceTokenResponse
		resp, err := f.client.R().
			SetContext(ctx).
			SetFormData(map[string]string{
				"client_id":   f.clientID,
				"device_code": code.deviceCode,
				"grant_type":  "urn:ietf:params:oauth:grant-type:device_code",
			}).
			SetResult(&res).
			Post(f.baseURL + deviceTokenPath)
		if err != nil {
			return "", apperr.Wrap(apperr.CodeNetwork, err, "failed to poll the device login")
		}

		switch {
		case res.AccessToken != "":
			return res.AccessToken, nil
		case res.Error == "authorization_pending":
			// keep polling
		case res.Error == "slow_down":
			interval += 5 * time.Second
		case res.Error == "expired_token":
			return "", apperr.New(apperr.CodeAuth, "the device login code expired before it was approved").
				WithSuggestion("run the login again and enter the new code")
		case res.Error == "access_denied":
			return "", apperr.New(apperr.CodeAuth, "the login was declined on the verification page")
		case resp.IsError():
			return "", apperr.New(apperr.CodeAuth, fmt.Sprintf("device login failed (status %d)", resp.StatusCode()))
		default:
			if res.Error != "" {
				return "", apperr.New(apperr.CodeAuth, fmt.Sprintf("device login failed: %s", res.Error))
			}
		}
	}
}
