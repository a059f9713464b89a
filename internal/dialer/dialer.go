// Package dialer asks the telephony platform to originate an outbound call
// whose webhook is this server's turn endpoint.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/chriscow/callagent-go/pkg/ai"
	twilio "github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

var (
	// ErrInvalidNumber is returned for numbers not in E.164 form.
	ErrInvalidNumber = errors.New("dialer: phone number must be in E.164 form, e.g. +15551234567")

	e164 = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)
)

// CallCreator is the one platform API the dialer needs.
type CallCreator interface {
	CreateCall(params *openapi.CreateCallParams) (*openapi.ApiV2010Call, error)
}

// Config holds configuration for creating a Dialer.
type Config struct {
	AccountSID string
	AuthToken  string
	// From is the caller id placed on outbound calls.
	From string
	// BaseURL is the public origin of the webhook server.
	BaseURL string
	Logger  *slog.Logger
}

// Request selects who to call and how the conversation starts.
type Request struct {
	To         string
	Persona    string
	Voice      string
	CallerName string
}

// Dialer originates calls.
type Dialer struct {
	api     CallCreator
	from    string
	baseURL string
	logger  *slog.Logger
}

// New creates a Dialer backed by the Twilio REST API. Missing credentials
// yield an error wrapping ai.ErrNotConfigured.
func New(cfg Config) (*Dialer, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("dialer: TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN are required: %w", ai.ErrNotConfigured)
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return NewWithAPI(client.Api, cfg)
}

// NewWithAPI creates a Dialer over any CallCreator.
func NewWithAPI(api CallCreator, cfg Config) (*Dialer, error) {
	if api == nil {
		return nil, fmt.Errorf("dialer: API client is required")
	}
	if !e164.MatchString(cfg.From) {
		return nil, fmt.Errorf("dialer: from %q: %w", cfg.From, ErrInvalidNumber)
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("dialer: base URL %q must be absolute", cfg.BaseURL)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dialer{
		api:     api,
		from:    cfg.From,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		logger:  cfg.Logger,
	}, nil
}

// CallbackURL is the turn webhook for a new call, carrying the persona,
// voice and caller name the first turn picks up.
func (d *Dialer) CallbackURL(req Request) string {
	q := url.Values{}
	if req.Persona != "" {
		q.Set("persona", req.Persona)
	}
	if req.Voice != "" {
		q.Set("voice", req.Voice)
	}
	if req.CallerName != "" {
		q.Set("name", req.CallerName)
	}
	u := d.baseURL + "/voice"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// StatusURL receives call status callbacks.
func (d *Dialer) StatusURL() string {
	return d.baseURL + "/status"
}

// Dial asks the platform to call req.To and returns the platform's call id.
// The platform API is not context aware, so ctx is only checked before the
// request is sent.
func (d *Dialer) Dial(ctx context.Context, req Request) (string, error) {
	if !e164.MatchString(req.To) {
		return "", fmt.Errorf("to %q: %w", req.To, ErrInvalidNumber)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	params := &openapi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(d.from)
	params.SetUrl(d.CallbackURL(req))
	params.SetMethod(http.MethodPost)
	params.SetStatusCallback(d.StatusURL())
	params.SetStatusCallbackMethod(http.MethodPost)
	params.SetStatusCallbackEvent([]string{"completed"})

	call, err := d.api.CreateCall(params)
	if err != nil {
		return "", classify(err)
	}
	if call == nil || call.Sid == nil || *call.Sid == "" {
		return "", ai.NewFatalError(errors.New("no call sid in response"), "dialer: create call")
	}

	d.logger.Info("outbound call created",
		"call_sid", *call.Sid,
		"to", req.To,
		"persona", req.Persona,
		"voice", req.Voice)
	return *call.Sid, nil
}

// classify maps platform REST errors onto the shared taxonomy.
func classify(err error) error {
	var restErr *twclient.TwilioRestError
	if errors.As(err, &restErr) {
		if restErr.Status == http.StatusTooManyRequests || restErr.Status >= http.StatusInternalServerError {
			return ai.NewRecoverableError(err, "dialer: create call")
		}
		return ai.NewFatalError(err, "dialer: create call")
	}
	return ai.Classify(err, "dialer: create call")
}
