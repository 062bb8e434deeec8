// Package listener manages server-side push subscriptions through the
// external listener service: creation, teardown, credential validation
// and batched health queries.
package listener

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/orbitmail/syncd/internal/model"
)

// ErrServiceUnavailable means the listener service itself did not
// answer. Callers must not treat it as "subscription missing": a
// transient outage must not trigger a herd of recreate calls.
var ErrServiceUnavailable = errors.New("listener service unavailable")

// ValidationResult carries the outcome of a credential validation with
// a human-readable reason on failure.
type ValidationResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// Credentials is the payload for a validation diagnostic.
type Credentials struct {
	Sender        string            `json:"sender"`
	Backend       model.BackendKind `json:"backend"`
	CredentialRef string            `json:"credential_ref"`
}

// Manager talks to the listener service over HTTP. The client timeout
// is long on purpose: subscription calls fan out to slow remote
// backends, and finishing matters more than answering fast.
type Manager struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewManager creates a subscription manager for the service at
// baseURL. timeout bounds every call; zero means three minutes.
func NewManager(baseURL string, timeout time.Duration, logger *slog.Logger) *Manager {
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Create registers a push subscription for the mailbox. An internally
// inconsistent mailbox configuration is fatal for that mailbox: any
// stale subscription is proactively closed instead of being left
// orphaned, and no retry storm follows until the configuration is
// fixed.
func (m *Manager) Create(ctx context.Context, mb *model.Mailbox) error {
	if !mb.ConfigValid() {
		m.logger.Warn("subscription skipped, mailbox configuration incomplete", "mailbox", mb.ID)
		if err := m.Close(ctx, mb.ID); err != nil && !errors.Is(err, ErrServiceUnavailable) {
			m.logger.Warn("closing stale subscription", "mailbox", mb.ID, "error", err)
		}
		return fmt.Errorf("mailbox %s: configuration incomplete", mb.ID)
	}

	body := map[string]string{
		"mailbox_id":     mb.ID,
		"sender":         mb.Sender,
		"backend":        string(mb.Backend),
		"credential_ref": mb.CredentialRef,
	}
	return m.post(ctx, "/subscriptions", body, nil)
}

// Recreate tears down and re-registers the subscription.
func (m *Manager) Recreate(ctx context.Context, mb *model.Mailbox) error {
	if err := m.Close(ctx, mb.ID); err != nil && !errors.Is(err, ErrServiceUnavailable) {
		m.logger.Debug("close before recreate", "mailbox", mb.ID, "error", err)
	}
	return m.Create(ctx, mb)
}

// Close removes the subscription for a mailbox. Unknown subscriptions
// are a no-op.
func (m *Manager) Close(ctx context.Context, mailboxID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		m.baseURL+"/subscriptions/"+mailboxID, nil)
	if err != nil {
		return fmt.Errorf("building close request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("closing subscription for %s: status %d", mailboxID, resp.StatusCode)
	}
	return nil
}

// Validate checks credentials against the backend and returns a
// human-readable failure reason rather than an opaque error.
func (m *Manager) Validate(ctx context.Context, creds Credentials) (*ValidationResult, error) {
	var result ValidationResult
	if err := m.post(ctx, "/subscriptions/validate", creds, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetHealth queries subscription state for a batch of mailboxes. Best
// effort: when the listener service itself is unreachable, every
// mailbox reports SubscriptionUnknown and ErrServiceUnavailable is
// returned alongside, so callers can distinguish outage from absence.
func (m *Manager) GetHealth(ctx context.Context, mailboxIDs []string) (map[string]model.SubscriptionState, error) {
	states := make(map[string]model.SubscriptionState, len(mailboxIDs))

	var payload struct {
		Subscriptions map[string]bool `json:"subscriptions"`
	}
	err := m.post(ctx, "/subscriptions/health", map[string][]string{"mailbox_ids": mailboxIDs}, &payload)
	if err != nil {
		for _, id := range mailboxIDs {
			states[id] = model.SubscriptionUnknown
		}
		if errors.Is(err, ErrServiceUnavailable) {
			return states, ErrServiceUnavailable
		}
		return states, err
	}

	for _, id := range mailboxIDs {
		if payload.Subscriptions[id] {
			states[id] = model.SubscriptionExists
		} else {
			states[id] = model.SubscriptionMissing
		}
	}
	return states, nil
}

// classifyTransport maps a failed listener call to ErrServiceUnavailable
// only when the root cause is a reachability failure. Anything else (a
// misconfigured URL, a broken response) surfaces as a plain error.
func classifyTransport(err error) error {
	if IsUnreachable(err) {
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, RootCause(err))
	}
	return fmt.Errorf("calling listener service: %v", RootCause(err))
}

func (m *Manager) post(ctx context.Context, path string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("listener %s: status %d: %s", path, resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding %s response: %w", path, err)
		}
	}
	return nil
}
