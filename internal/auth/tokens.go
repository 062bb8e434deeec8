// Package auth holds the credential-service client and the JWT
// verification for the HTTP surface. Token storage and refresh live in
// the external auth service; this package only fetches and verifies.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Token is an OAuth token pair for one mailbox credential.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// IMAPSecret is the password-style credential for IMAP backends. The
// SMTP half is only used by the validation probe.
type IMAPSecret struct {
	Host     string
	Port     string
	SMTPHost string
	SMTPPort string
	Username string
	Password string
	TLS      bool
}

// CredentialClient fetches mailbox credentials from the auth service
// by credential reference. The service handles storage and refresh.
type CredentialClient struct {
	baseURL string
	client  *http.Client
}

// NewCredentialClient creates a client for the auth service.
func NewCredentialClient(baseURL string) *CredentialClient {
	return &CredentialClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetToken fetches the OAuth token stored under a credential
// reference. A 404 means the credential was never connected: a
// configuration problem, not a transient one.
func (c *CredentialClient) GetToken(ctx context.Context, credentialRef string) (*Token, error) {
	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"`
	}
	if err := c.get(ctx, "/api/credentials/"+credentialRef+"/token", &result); err != nil {
		return nil, err
	}
	return &Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		Expiry:       time.Unix(result.ExpiresAt, 0),
	}, nil
}

// GetIMAPSecret fetches the host/password credential stored under a
// credential reference.
func (c *CredentialClient) GetIMAPSecret(ctx context.Context, credentialRef string) (*IMAPSecret, error) {
	var result struct {
		Host     string `json:"host"`
		Port     string `json:"port"`
		SMTPHost string `json:"smtp_host"`
		SMTPPort string `json:"smtp_port"`
		Username string `json:"username"`
		Password string `json:"password"`
		TLS      bool   `json:"tls"`
	}
	if err := c.get(ctx, "/api/credentials/"+credentialRef+"/imap", &result); err != nil {
		return nil, err
	}
	return &IMAPSecret{
		Host:     result.Host,
		Port:     result.Port,
		SMTPHost: result.SMTPHost,
		SMTPPort: result.SMTPPort,
		Username: result.Username,
		Password: result.Password,
		TLS:      result.TLS,
	}, nil
}

func (c *CredentialClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("credential request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("credential not connected")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("credential service status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding credential response: %w", err)
	}
	return nil
}
