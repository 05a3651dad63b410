package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mattjoyce/warden/internal/log"
)

const (
	// ServerlessIDHeader tags every delivery with the originating worker
	// identity so the webhook router can follow a recycled worker.
	ServerlessIDHeader = "x-serverless-id"

	// SignatureHeader carries the HMAC-SHA256 signature of the request body.
	SignatureHeader = "X-Warden-Signature"

	defaultTimeout = 10 * time.Second
)

// ProgressBody is the wire form of a progress delivery.
type ProgressBody struct {
	CallID   string `json:"callId"`
	Status   string `json:"status"`
	Progress any    `json:"progress"`
}

// ResultBody is the wire form of a completion delivery. Result is omitted for
// observable responses, whose end carries no payload.
type ResultBody struct {
	CallID string `json:"callId"`
	Status string `json:"status"`
	Result any    `json:"result,omitempty"`
}

// MappingBody is the wire form of a serverless-mapping registration.
type MappingBody struct {
	CallID       string `json:"callId"`
	ServerlessID string `json:"serverlessId"`
}

// Sender PUTs delayed-response deliveries to the internal webhook service.
type Sender struct {
	baseURL      string
	serverlessID string
	secret       string
	client       *http.Client
	logger       *slog.Logger
}

// NewSender creates a sender for baseURL. serverlessID and secret may be
// empty; the corresponding headers are then omitted.
func NewSender(baseURL, serverlessID, secret string) *Sender {
	return &Sender{
		baseURL:      strings.TrimRight(baseURL, "/"),
		serverlessID: serverlessID,
		secret:       secret,
		client:       &http.Client{Timeout: defaultTimeout},
		logger:       log.WithComponent("webhook"),
	}
}

// Progress delivers a pending-status progress update for callID.
func (s *Sender) Progress(callID string, progress any) error {
	return s.put("/progress", ProgressBody{
		CallID:   callID,
		Status:   "pending",
		Progress: progress,
	})
}

// Result delivers the completed-status terminal update for callID.
func (s *Sender) Result(callID string, result any) error {
	return s.put("/result", ResultBody{
		CallID: callID,
		Status: "completed",
		Result: result,
	})
}

// RegisterMapping registers the callID -> serverless identity mapping.
// Callers skip this when no serverless identity is configured.
func (s *Sender) RegisterMapping(callID string) error {
	return s.put("/registerMapping", MappingBody{
		CallID:       callID,
		ServerlessID: s.serverlessID,
	})
}

func (s *Sender) put(path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook body: %w", err)
	}

	req, err := http.NewRequest(http.MethodPut, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.serverlessID != "" {
		req.Header.Set(ServerlessIDHeader, s.serverlessID)
	}
	if s.secret != "" {
		req.Header.Set(SignatureHeader, SignBody(body, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook PUT %s: %w", path, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook PUT %s: unexpected status %d", path, resp.StatusCode)
	}

	s.logger.Debug("webhook delivered", "path", path, "status", resp.StatusCode)
	return nil
}
