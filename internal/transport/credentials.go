package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/stella/internal/memoryapi"
	"github.com/ent0n29/stella/internal/reliability"
)

var ErrEmptyCredential = errors.New("credential response carried no value")

// CredentialProvider yields a short-lived secret for the realtime channel.
type CredentialProvider interface {
	Credential(ctx context.Context) (string, error)
}

// StaticCredential uses a fixed key, e.g. a developer API key.
type StaticCredential string

func (s StaticCredential) Credential(context.Context) (string, error) {
	v := strings.TrimSpace(string(s))
	if v == "" {
		return "", ErrEmptyCredential
	}
	return v, nil
}

// HTTPCredentialProvider fetches a client secret from the stella service
// token endpoint.
type HTTPCredentialProvider struct {
	URL    string
	UserID string
	Client *http.Client
}

func (p HTTPCredentialProvider) Credential(ctx context.Context) (string, error) {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	if p.UserID != "" {
		req.Header.Set(memoryapi.UserHeader, p.UserID)
	}
	res, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch realtime token: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", &reliability.StatusError{Op: "realtime token", Status: res.StatusCode, Body: string(body)}
	}
	var tok memoryapi.TokenResponse
	if err := json.NewDecoder(res.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode realtime token: %w", err)
	}
	if strings.TrimSpace(tok.Value) == "" {
		return "", ErrEmptyCredential
	}
	return tok.Value, nil
}
