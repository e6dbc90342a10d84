package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioOpts holds configuration for the Twilio client.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	// From is the sending number in E.164 format.
	From string
}

// TwilioOption configures the Twilio client.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFrom sets the sending number.
func WithFrom(from string) TwilioOption {
	return func(o *TwilioOpts) { o.From = from }
}

// messageCreator is the slice of the Twilio REST API the notifiers use,
// extracted so tests can fake the transport.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioClient sends SMS and WhatsApp messages through the Twilio API.
type TwilioClient struct {
	api  messageCreator
	from string
}

// NewTwilioClient creates a TwilioClient. Options missing from the call fall
// back to the TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, and TWILIO_FROM_NUMBER
// environment variables.
func NewTwilioClient(opts ...TwilioOption) (*TwilioClient, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioClient{api: rest.Api, from: cfg.From}, nil
}

// SMS returns a Dispatcher that delivers over plain SMS.
func (c *TwilioClient) SMS() Dispatcher {
	return DispatcherFunc(func(ctx context.Context, recipient, message string) error {
		return c.send(recipient, c.from, message)
	})
}

// WhatsApp returns a Dispatcher that delivers over WhatsApp.
func (c *TwilioClient) WhatsApp() Dispatcher {
	return DispatcherFunc(func(ctx context.Context, recipient, message string) error {
		return c.send("whatsapp:"+recipient, "whatsapp:"+c.from, message)
	})
}

func (c *TwilioClient) send(to, from, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetBody(body)

	if _, err := c.api.CreateMessage(params); err != nil {
		slog.Error("TwilioClient.send: delivery failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("TwilioClient.send: message sent", "to", to)
	return nil
}
