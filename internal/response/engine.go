package response

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/mattjoyce/warden/internal/cleanup"
	"github.com/mattjoyce/warden/internal/log"
	"github.com/mattjoyce/warden/internal/webhook"
)

// Kind distinguishes the delayed-response flavors.
type Kind int

const (
	KindSlow Kind = iota
	KindObservable
	KindCMBSlow
	KindCMBObservable
)

// OperationType returns the dispatch classification tag for the kind.
func (k Kind) OperationType() string {
	switch k {
	case KindSlow:
		return "slowLambda"
	case KindObservable:
		return "observableLambda"
	case KindCMBSlow:
		return "cmbSlowLambda"
	case KindCMBObservable:
		return "cmbObservableLambda"
	}
	return "sync"
}

func (k Kind) cmb() bool {
	return k == KindCMBSlow || k == KindCMBObservable
}

// Options configures an Engine.
type Options struct {
	// InternalWebhookURL receives progress and result deliveries. Required
	// before any response can be created.
	InternalWebhookURL string
	// ExternalWebhookURL is polled by CMB responses.
	ExternalWebhookURL string
	// Expiry is the inactivity window; zero uses the configured default.
	Expiry time.Duration
	// ServerlessID tags deliveries with the worker identity when set.
	ServerlessID string
	// Secret enables HMAC signing of deliveries when set.
	Secret string
	// PollInterval overrides the CMB polling cadence (tests).
	PollInterval time.Duration
}

// Engine creates delayed responses and owns their shared collaborators.
type Engine struct {
	sender       *webhook.Sender
	registry     *cleanup.Registry
	opts         Options
	serverlessID string
	logger       *slog.Logger
}

// NewEngine creates an engine backed by registry. A missing internal webhook
// URL is tolerated here; creating a response then fails with ErrNoWebhookURL.
func NewEngine(registry *cleanup.Registry, opts Options) *Engine {
	if opts.Expiry <= 0 {
		opts.Expiry = 5 * time.Minute
	}
	var sender *webhook.Sender
	if opts.InternalWebhookURL != "" {
		sender = webhook.NewSender(opts.InternalWebhookURL, opts.ServerlessID, opts.Secret)
	}
	return &Engine{
		sender:       sender,
		registry:     registry,
		opts:         opts,
		serverlessID: opts.ServerlessID,
		logger:       log.WithComponent("response"),
	}
}

// NewCallID returns a fresh 256-bit random call ID, URL-safe-base64 encoded.
func NewCallID() string {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		// crypto/rand failing means the process cannot mint identities at all.
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(raw[:])
}

// NewSlow creates a slow response whose end carries the final result.
func (e *Engine) NewSlow() (*Slow, error) {
	lc, err := e.newLifecycle(KindSlow)
	if err != nil {
		return nil, err
	}
	return &Slow{lifecycle: lc}, nil
}

// NewObservable creates an observable response whose end carries no payload.
func (e *Engine) NewObservable() (*Observable, error) {
	lc, err := e.newLifecycle(KindObservable)
	if err != nil {
		return nil, err
	}
	return &Observable{lifecycle: lc}, nil
}

// NewCMBSlow creates a slow response that additionally polls the external
// webhook until it reports completed.
func (e *Engine) NewCMBSlow() (*CMBSlow, error) {
	lc, err := e.newLifecycle(KindCMBSlow)
	if err != nil {
		return nil, err
	}
	return &CMBSlow{lifecycle: lc}, nil
}

// NewCMBObservable creates an observable response that additionally polls the
// external webhook until it reports completed.
func (e *Engine) NewCMBObservable() (*CMBObservable, error) {
	lc, err := e.newLifecycle(KindCMBObservable)
	if err != nil {
		return nil, err
	}
	return &CMBObservable{lifecycle: lc}, nil
}

func (e *Engine) newLifecycle(kind Kind) (*lifecycle, error) {
	if e.sender == nil {
		return nil, ErrNoWebhookURL
	}

	lc := &lifecycle{
		callID: NewCallID(),
		kind:   kind,
		engine: e,
		logger: e.logger,
	}
	lc.lastActivity = time.Now()
	lc.timer = time.AfterFunc(e.opts.Expiry, lc.expire)

	// The registry can force-expire the call from outside the response.
	e.registry.Register(lc.callID, lc.expire)

	if e.serverlessID != "" {
		if err := e.sender.RegisterMapping(lc.callID); err != nil {
			e.logger.Warn("serverless mapping registration failed", "call_id", lc.callID, "error", err)
		}
	}

	if kind.cmb() && e.opts.ExternalWebhookURL != "" {
		ctx, cancel := context.WithCancel(context.Background())
		lc.pollCancel = cancel
		poller := webhook.NewPoller(e.opts.ExternalWebhookURL, e.opts.PollInterval)
		poller.Start(ctx, lc.callID, lc.externalComplete)
	}

	return lc, nil
}
