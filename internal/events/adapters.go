package events

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Request is the normalized inbound webhook request handed to adapters.
// Header keys are lowercased by the HTTP layer.
type Request struct {
	Method   string
	Headers  map[string]string
	Query    url.Values
	Body     []byte
	ClientIP string
}

// Outcome kinds. An adapter produces exactly one per request.
type OutcomeKind int

const (
	// OutcomeValidation returns the response verbatim (provider handshakes).
	OutcomeValidation OutcomeKind = iota
	// OutcomeRejected refuses the request with a status and message.
	OutcomeRejected
	// OutcomeDeliver accepts the payload as an event.
	OutcomeDeliver
)

// Outcome is the adapter's tagged verdict. The service fills EventID and
// Deliveries on the Deliver path after persisting.
type Outcome struct {
	Kind OutcomeKind

	// Validation
	Status  int
	Headers map[string]string
	Body    []byte

	// Rejected
	Message string

	// Deliver
	EventType string
	Data      json.RawMessage

	// Filled by the service after persisting a delivered event.
	EventID    string
	Deliveries int
}

// Validation builds a verbatim handshake response.
func Validation(status int, body []byte) Outcome {
	return Outcome{Kind: OutcomeValidation, Status: status, Body: body}
}

// Rejected refuses the request.
func Rejected(status int, message string) Outcome {
	return Outcome{Kind: OutcomeRejected, Status: status, Message: message}
}

// Deliver accepts the payload as an event of the given type.
func Deliver(eventType string, data json.RawMessage) Outcome {
	return Outcome{Kind: OutcomeDeliver, EventType: eventType, Data: data}
}

// Adapter turns one provider-specific request into an outcome. secret is the
// webhook source's decrypted secret (empty when unset); state is the
// adapter's persisted mutable state. A non-nil returned state replaces the
// stored one.
type Adapter interface {
	HandleRequest(req *Request, config json.RawMessage, secret string, state json.RawMessage) (Outcome, json.RawMessage)
}

// Renewer is the optional adapter extension for providers whose webhook
// subscriptions expire and must be re-registered. The scheduler calls Renew
// for sources whose state shows an expiry inside the renewal window; the
// returned state replaces the stored one.
type Renewer interface {
	Renew(ctx context.Context, httpClient *resty.Client, config json.RawMessage, secret string, state json.RawMessage) (json.RawMessage, error)
}

// RenewalState is the adapter-state shape renewing adapters maintain.
type RenewalState struct {
	// SubscriptionID is the provider-side subscription handle.
	SubscriptionID string `json:"subscription_id,omitempty"`
	// ExpiresAt is when the provider stops delivering.
	ExpiresAt time.Time `json:"expires_at"`
}

var adapterRegistry = map[string]Adapter{}

// RegisterAdapter installs an adapter under a name. Called from init; a
// duplicate name is a programming error.
func RegisterAdapter(name string, a Adapter) {
	if _, dup := adapterRegistry[name]; dup {
		panic(fmt.Sprintf("events: adapter %q registered twice", name))
	}
	adapterRegistry[name] = a
}

// LookupAdapter returns the adapter registered under name, or nil.
func LookupAdapter(name string) Adapter {
	return adapterRegistry[name]
}

// RegisteredAdapters lists the registered adapter names.
func RegisteredAdapters() []string {
	names := make([]string, 0, len(adapterRegistry))
	for name := range adapterRegistry {
		names = append(names, name)
	}
	return names
}

func init() {
	RegisterAdapter("generic", &genericAdapter{})
	RegisterAdapter("standard", &standardAdapter{})
}

// genericAdapterConfig is the event-source config the generic adapter reads.
type genericAdapterConfig struct {
	// SignatureHeader names the header carrying the HMAC-SHA256 hex digest of
	// the body. Defaults to x-signature. Checked only when a secret is set.
	SignatureHeader string `json:"signature_header"`
	// EventTypePath is a dot path into the JSON body selecting the event
	// type. Empty or unresolvable paths fall back to "webhook".
	EventTypePath string `json:"event_type_path"`
}

// genericAdapter is the permissive JSON passthrough: anything that parses is
// an event. Signature checking is opt-in via the source secret, and the
// validation_token query echo covers the common subscription handshake.
type genericAdapter struct{}

func (a *genericAdapter) HandleRequest(req *Request, config json.RawMessage, secret string, state json.RawMessage) (Outcome, json.RawMessage) {
	var cfg genericAdapterConfig
	if len(config) > 0 {
		_ = json.Unmarshal(config, &cfg)
	}

	if token := req.Query.Get("validation_token"); token != "" {
		return Validation(200, []byte(token)), nil
	}

	if secret != "" {
		header := cfg.SignatureHeader
		if header == "" {
			header = "x-signature"
		}
		if !checkHMAC(secret, req.Body, req.Headers[header]) {
			return Rejected(401, "invalid signature"), nil
		}
	}

	data := req.Body
	if len(data) == 0 {
		data = []byte(`{}`)
	}
	if !json.Valid(data) {
		return Rejected(400, "body is not valid JSON"), nil
	}

	eventType := "webhook"
	if cfg.EventTypePath != "" {
		if v := lookupPath(data, cfg.EventTypePath); v != "" {
			eventType = v
		}
	}
	return Deliver(eventType, data), nil
}

// standardEnvelope is the typed body the standard adapter requires.
type standardEnvelope struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

const (
	standardSignatureHeader = "x-bifrost-signature"
	standardTimestampHeader = "x-bifrost-timestamp"
	standardMaxSkew         = 5 * time.Minute
)

// standardAdapter is the strict first-party shape: required signature over
// "<timestamp>.<body>", bounded clock skew, typed envelope.
type standardAdapter struct{}

func (a *standardAdapter) HandleRequest(req *Request, _ json.RawMessage, secret string, state json.RawMessage) (Outcome, json.RawMessage) {
	if secret == "" {
		return Rejected(500, "webhook secret not configured"), nil
	}

	ts := req.Headers[standardTimestampHeader]
	if ts == "" {
		return Rejected(400, "missing timestamp"), nil
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Rejected(400, "invalid timestamp"), nil
	}
	skew := time.Since(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > standardMaxSkew {
		return Rejected(400, "timestamp outside allowed window"), nil
	}

	signed := append([]byte(ts+"."), req.Body...)
	if !checkHMAC(secret, signed, req.Headers[standardSignatureHeader]) {
		return Rejected(401, "invalid signature"), nil
	}

	var env standardEnvelope
	if err := json.Unmarshal(req.Body, &env); err != nil || env.EventType == "" {
		return Rejected(400, "body must be {event_type, data}"), nil
	}
	data := env.Data
	if len(data) == 0 {
		data = []byte(`{}`)
	}
	return Deliver(env.EventType, data), nil
}

// standardRenewConfig is the config subset the renewal path reads.
type standardRenewConfig struct {
	// RenewURL is the provider endpoint that extends the subscription.
	RenewURL string `json:"renew_url"`
}

// Renew implements Renewer: POST a signed renewal request to the configured
// endpoint and store the provider's new expiry. Providers answer
// {"subscription_id", "expires_at"}.
func (a *standardAdapter) Renew(ctx context.Context, httpClient *resty.Client, config json.RawMessage, secret string, state json.RawMessage) (json.RawMessage, error) {
	var cfg standardRenewConfig
	if len(config) > 0 {
		_ = json.Unmarshal(config, &cfg)
	}
	if cfg.RenewURL == "" {
		return nil, fmt.Errorf("events: renew_url not configured")
	}

	var cur RenewalState
	if len(state) > 0 {
		_ = json.Unmarshal(state, &cur)
	}
	body, _ := json.Marshal(map[string]string{"subscription_id": cur.SubscriptionID})

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	var next RenewalState
	resp, err := httpClient.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader(standardTimestampHeader, ts).
		SetHeader(standardSignatureHeader, SignHMAC(secret, append([]byte(ts+"."), body...))).
		SetBody(body).
		SetResult(&next).
		Post(cfg.RenewURL)
	if err != nil {
		return nil, fmt.Errorf("events: subscription renewal request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("events: subscription renewal rejected: %s", resp.Status())
	}
	if next.ExpiresAt.IsZero() {
		return nil, fmt.Errorf("events: subscription renewal response missing expires_at")
	}

	newState, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("events: encode renewal state: %w", err)
	}
	return newState, nil
}

// checkHMAC compares a hex HMAC-SHA256 digest, tolerating a "sha256="
// prefix, in constant time.
func checkHMAC(secret string, payload []byte, got string) bool {
	got = strings.TrimPrefix(strings.TrimSpace(got), "sha256=")
	if got == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(strings.ToLower(got)))
}

// SignHMAC produces the hex digest checkHMAC accepts. Exported for callers
// that emit standard-shaped webhooks and for tests.
func SignHMAC(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// lookupPath resolves a dot path through nested JSON objects, returning the
// string value at the leaf or "".
func lookupPath(doc []byte, path string) string {
	var cur any
	if err := json.Unmarshal(doc, &cur); err != nil {
		return ""
	}
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = obj[part]
	}
	s, _ := cur.(string)
	return s
}
