package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/thrillee/smsrouter/internal/backend"
	"github.com/thrillee/smsrouter/internal/logging"
	"github.com/thrillee/smsrouter/internal/model"
	"github.com/thrillee/smsrouter/internal/textit"
)

// ErrCircuitOpen marks an attempt that was never made.
var ErrCircuitOpen = errors.New("backend circuit open")

const maxBodyBytes = 64 << 10

// Outcome is the result of one dispatch attempt.
type Outcome struct {
	URL        string
	StatusCode int
	Body       string
	ExternalID string
	Err        error
	// Deferred is set when nothing was sent; the claim is released without
	// consuming a retry.
	Deferred bool
}

// Success reports a 2xx answer with no transport error.
func (o Outcome) Success() bool {
	return o.Err == nil && !o.Deferred && o.StatusCode >= 200 && o.StatusCode < 300
}

// Dispatcher performs the network send for one message.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *model.Message) Outcome
}

type HTTPDispatcherConfig struct {
	Method  string
	Timeout time.Duration
	Breaker CircuitBreakerConfig
}

// HTTPDispatcher sends through the templated router URL, or through the
// TextIt API for backends configured with a TextIt endpoint.
type HTTPDispatcher struct {
	registry *backend.Registry
	client   *http.Client
	method   string
	textit   *textit.Client
	breakers *breakerSet
}

func NewHTTPDispatcher(cfg HTTPDispatcherConfig, registry *backend.Registry, textitClient *textit.Client) *HTTPDispatcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	if textitClient == nil {
		textitClient = textit.NewClient("", cfg.Timeout)
	}
	return &HTTPDispatcher{
		registry: registry,
		client:   &http.Client{Timeout: cfg.Timeout},
		method:   strings.ToUpper(cfg.Method),
		textit:   textitClient,
		breakers: newBreakerSet(cfg.Breaker),
	}
}

// Params are the template parameters for msg.
func Params(msg *model.Message) map[string]string {
	return map[string]string{
		"backend":   msg.Connection.Backend,
		"recipient": msg.Connection.Identity,
		"text":      msg.Text,
		"id":        strconv.FormatInt(msg.ID, 10),
	}
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, msg *model.Message) Outcome {
	logCtx := logging.ContextWithBackend(logging.ContextWithMessageID(ctx, msg.ID), msg.Connection.Backend)

	breaker := d.breakers.get(msg.Connection.Backend)
	if !breaker.AllowRequest() {
		slog.WarnContext(logCtx, "Backend circuit open, deferring dispatch")
		return Outcome{Err: ErrCircuitOpen, Deferred: true}
	}

	var out Outcome
	if ep := d.registry.TextItByName(msg.Connection.Backend); ep != nil {
		out = d.sendTextIt(logCtx, ep, msg)
	} else {
		target, err := d.registry.BuildURL(msg.Connection.Backend, Params(msg))
		if err != nil {
			// configuration problem, not the gateway's fault
			slog.ErrorContext(logCtx, "Cannot build router url", slog.Any("error", err))
			return Outcome{Err: err}
		}
		out = d.sendHTTP(logCtx, target, msg)
	}

	if out.Success() {
		breaker.RecordSuccess()
	} else {
		breaker.RecordFailure()
	}
	return out
}

func (d *HTTPDispatcher) sendHTTP(ctx context.Context, target string, msg *model.Message) Outcome {
	out := Outcome{URL: target}

	var (
		req *http.Request
		err error
	)
	if d.method == http.MethodPost {
		form := url.Values{}
		for k, v := range d.registry.Params(Params(msg)) {
			form.Set(k, v)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	}
	if err != nil {
		out.Err = fmt.Errorf("failed to create request: %w", err)
		return out
	}
	req.Header.Set("User-Agent", "smsrouter/1.0")

	slog.DebugContext(ctx, "Dispatching message", slog.String("url", target), slog.String("method", d.method))
	resp, err := d.client.Do(req)
	if err != nil {
		out.Err = err
		return out
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	out.StatusCode = resp.StatusCode
	out.Body = asciiOnly(body)
	if err != nil {
		out.Err = fmt.Errorf("failed to read response body: %w", err)
		return out
	}
	if !out.Success() {
		out.Err = fmt.Errorf("received status code: %d", resp.StatusCode)
	}
	return out
}

func (d *HTTPDispatcher) sendTextIt(ctx context.Context, ep *textit.Endpoint, msg *model.Message) Outcome {
	res, err := d.textit.Send(ctx, ep, []string{msg.Connection.Identity}, msg.Text)
	out := Outcome{URL: textit.DefaultSendURL, StatusCode: res.StatusCode, Body: res.Body, Err: err}
	if err == nil && len(res.IDs) > 0 {
		out.ExternalID = strconv.FormatInt(res.IDs[0], 10)
	}
	return out
}

// BreakerStats reports per-backend breaker state.
func (d *HTTPDispatcher) BreakerStats() map[string]map[string]any {
	return d.breakers.stats()
}

// asciiOnly drops non-ASCII bytes so gateway bodies are safe to log.
func asciiOnly(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		if c < 0x80 {
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// FailureLog renders the DeliveryError text for a failed attempt.
func FailureLog(msg *model.Message, out Outcome, attempt int, final bool, retryLimit int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Sending message: [%d]\n", msg.ID)
	if out.URL != "" {
		fmt.Fprintf(&b, "%s %s\n", msg.Connection.Backend, out.URL)
	}
	if out.StatusCode != 0 {
		fmt.Fprintf(&b, "Status Code: %d\n", out.StatusCode)
		fmt.Fprintf(&b, "Body: %s\n", out.Body)
	}
	fmt.Fprintf(&b, "Failure #%d\n\n", attempt)
	errText := "unknown error"
	if out.Err != nil {
		errText = out.Err.Error()
	}
	fmt.Fprintf(&b, "Error: %s\n\n", errText)
	if final {
		b.WriteString("Permanent failure, will not retry.")
	} else {
		fmt.Fprintf(&b, "Will retry %d more time(s).", retryLimit-attempt)
	}
	return b.String()
}

var _ Dispatcher = (*HTTPDispatcher)(nil)
