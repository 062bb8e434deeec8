package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitmail/syncd/internal/model"
)

func validMailbox() *model.Mailbox {
	return &model.Mailbox{
		ID:            "mb-1",
		Sender:        "user@example.com",
		CredentialRef: "cred-1",
		Backend:       model.BackendGraph,
		OwnerID:       "owner-1",
	}
}

func TestGetHealthMapsStates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/subscriptions/health", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"subscriptions": map[string]bool{"mb-1": true, "mb-2": false},
		})
	}))
	defer srv.Close()

	m := NewManager(srv.URL, time.Second, nil)
	states, err := m.GetHealth(context.Background(), []string{"mb-1", "mb-2", "mb-3"})
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionExists, states["mb-1"])
	assert.Equal(t, model.SubscriptionMissing, states["mb-2"])
	assert.Equal(t, model.SubscriptionMissing, states["mb-3"], "absent from the answer means missing")
}

func TestGetHealthServiceDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	m := NewManager(srv.URL, time.Second, nil)
	states, err := m.GetHealth(context.Background(), []string{"mb-1", "mb-2"})
	require.ErrorIs(t, err, ErrServiceUnavailable)
	assert.Equal(t, model.SubscriptionUnknown, states["mb-1"])
	assert.Equal(t, model.SubscriptionUnknown, states["mb-2"])
}

func TestGetHealthNonNetworkFailureIsNotUnavailable(t *testing.T) {
	// The scheme is rejected inside the client, before anything touches
	// the network; that must not read as a service outage.
	m := NewManager("ftp://listener.internal", time.Second, nil)
	states, err := m.GetHealth(context.Background(), []string{"mb-1"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrServiceUnavailable)
	assert.Equal(t, model.SubscriptionUnknown, states["mb-1"])
}

func TestCreateRegistersSubscription(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/subscriptions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	m := NewManager(srv.URL, time.Second, nil)
	require.NoError(t, m.Create(context.Background(), validMailbox()))
	assert.Equal(t, "mb-1", got["mailbox_id"])
	assert.Equal(t, "GRAPH", got["backend"])
}

func TestCreateInvalidConfigClosesStaleSubscription(t *testing.T) {
	var closedID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			closedID = r.URL.Path
		}
	}))
	defer srv.Close()

	mb := validMailbox()
	mb.CredentialRef = ""

	m := NewManager(srv.URL, time.Second, nil)
	err := m.Create(context.Background(), mb)
	require.Error(t, err)
	assert.Equal(t, "/subscriptions/mb-1", closedID,
		"an unusable configuration proactively tears its subscription down")
}

func TestCloseUnknownSubscriptionIsNoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	m := NewManager(srv.URL, time.Second, nil)
	assert.NoError(t, m.Close(context.Background(), "mb-unknown"))
}

func TestRecreateTearsDownFirst(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
	}))
	defer srv.Close()

	m := NewManager(srv.URL, time.Second, nil)
	require.NoError(t, m.Recreate(context.Background(), validMailbox()))
	require.Len(t, calls, 2)
	assert.Equal(t, "DELETE /subscriptions/mb-1", calls[0])
	assert.Equal(t, "POST /subscriptions", calls[1])
}

func TestValidateReturnsReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ValidationResult{OK: false, Reason: "password rejected by backend"})
	}))
	defer srv.Close()

	m := NewManager(srv.URL, time.Second, nil)
	result, err := m.Validate(context.Background(), Credentials{
		Sender:        "user@example.com",
		Backend:       model.BackendIMAP,
		CredentialRef: "cred-1",
	})
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.Equal(t, "password rejected by backend", result.Reason)
}

func TestRootCauseUnwrapsTransportLayers(t *testing.T) {
	inner := errors.New("connection refused")
	wrapped := fmt.Errorf("request failed: %w", &url.Error{
		Op:  "Post",
		URL: "http://listener/subscriptions",
		Err: &net.OpError{Op: "dial", Net: "tcp", Err: inner},
	})

	assert.Equal(t, inner, RootCause(wrapped))
}

func TestIsUnreachable(t *testing.T) {
	opErr := &url.Error{Op: "Post", URL: "http://listener", Err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}}
	assert.True(t, IsUnreachable(opErr))
	assert.True(t, IsUnreachable(&net.DNSError{Err: "no such host", Name: "listener"}))
	assert.True(t, IsUnreachable(context.DeadlineExceeded))

	assert.False(t, IsUnreachable(nil))
	assert.False(t, IsUnreachable(errors.New("validation failed")))
}
