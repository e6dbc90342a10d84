package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type recordedMessage struct {
	To   string
	From string
	Body string
}

// fakeTwilioAPI captures CreateMessage calls instead of hitting the network.
type fakeTwilioAPI struct {
	messages []recordedMessage
	err      error
}

func (f *fakeTwilioAPI) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	msg := recordedMessage{}
	if params.To != nil {
		msg.To = *params.To
	}
	if params.From != nil {
		msg.From = *params.From
	}
	if params.Body != nil {
		msg.Body = *params.Body
	}
	f.messages = append(f.messages, msg)
	return &twilioApi.ApiV2010Message{}, nil
}

func TestRouterRoutesByChannel(t *testing.T) {
	r := NewRouter()
	var smsGot, waGot string
	r.Register(ChannelSMS, DispatcherFunc(func(ctx context.Context, recipient, message string) error {
		smsGot = recipient
		return nil
	}))
	r.Register(ChannelWhatsApp, DispatcherFunc(func(ctx context.Context, recipient, message string) error {
		waGot = recipient
		return nil
	}))

	ctx := context.Background()
	if err := r.Send(ctx, ChannelSMS, "+15550001111", "hi"); err != nil {
		t.Fatalf("Send sms: %v", err)
	}
	if err := r.Send(ctx, ChannelWhatsApp, "+15550002222", "hi"); err != nil {
		t.Fatalf("Send whatsapp: %v", err)
	}
	if smsGot != "+15550001111" || waGot != "+15550002222" {
		t.Fatalf("routing: sms=%q whatsapp=%q", smsGot, waGot)
	}

	if err := r.Send(ctx, "carrier_pigeon", "roof", "hi"); err == nil {
		t.Fatalf("expected error for unregistered channel")
	}
}

func TestRouterWrapsDispatcherError(t *testing.T) {
	r := NewRouter()
	sentinel := errors.New("carrier rejected")
	r.Register(ChannelSMS, DispatcherFunc(func(ctx context.Context, recipient, message string) error {
		return sentinel
	}))
	err := r.Send(context.Background(), ChannelSMS, "+15550001111", "hi")
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want wrapped sentinel", err)
	}
}

func TestTwilioSMSAndWhatsAppFraming(t *testing.T) {
	fake := &fakeTwilioAPI{}
	c := &TwilioClient{api: fake, from: "+15559990000"}
	ctx := context.Background()

	if err := c.SMS().Send(ctx, "+15550001111", "reminder"); err != nil {
		t.Fatalf("SMS send: %v", err)
	}
	if err := c.WhatsApp().Send(ctx, "+15550001111", "reminder"); err != nil {
		t.Fatalf("WhatsApp send: %v", err)
	}

	if len(fake.messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(fake.messages))
	}
	sms, wa := fake.messages[0], fake.messages[1]
	if sms.To != "+15550001111" || sms.From != "+15559990000" {
		t.Fatalf("sms framing = %+v", sms)
	}
	if wa.To != "whatsapp:+15550001111" || wa.From != "whatsapp:+15559990000" {
		t.Fatalf("whatsapp framing = %+v", wa)
	}
}

func TestTwilioSendError(t *testing.T) {
	fake := &fakeTwilioAPI{err: fmt.Errorf("401 unauthorized")}
	c := &TwilioClient{api: fake, from: "+15559990000"}
	if err := c.SMS().Send(context.Background(), "+15550001111", "x"); err == nil {
		t.Fatalf("expected delivery error")
	}
}

func TestNewTwilioClientRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	if _, err := NewTwilioClient(); err == nil {
		t.Fatalf("expected error without credentials")
	}
	if _, err := NewTwilioClient(WithAccountSID("AC123"), WithAuthToken("tok")); err == nil {
		t.Fatalf("expected error without a from number")
	}
	if _, err := NewTwilioClient(WithAccountSID("AC123"), WithAuthToken("tok"), WithFrom("+15559990000")); err != nil {
		t.Fatalf("NewTwilioClient: %v", err)
	}
}

func TestWebhookDispatcher(t *testing.T) {
	var gotBody []byte
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotContentType = req.Header.Get("Content-Type")
		buf := make([]byte, req.ContentLength)
		req.Body.Read(buf)
		gotBody = buf
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewWebhookDispatcher(srv.Client())
	if err := d.Send(context.Background(), srv.URL, "deadline approaching"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotContentType != "application/json" {
		t.Fatalf("content type = %q", gotContentType)
	}
	if len(gotBody) == 0 {
		t.Fatalf("expected a JSON body")
	}

	fail := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer fail.Close()
	if err := d.Send(context.Background(), fail.URL, "x"); err == nil {
		t.Fatalf("expected error on 502")
	}
}
