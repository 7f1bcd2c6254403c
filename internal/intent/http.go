package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPProvider asks a remote reasoning service for proposals. The service
// receives the observation as JSON on POST {BaseURL}/propose and answers
// with a Proposal, or 204 to abstain.
type HTTPProvider struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// NewHTTPProvider creates a provider for the given base URL.
func NewHTTPProvider(baseURL, token string) *HTTPProvider {
	return &HTTPProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{},
	}
}

// Propose implements Provider.
func (p *HTTPProvider) Propose(ctx context.Context, obs Observation) (*Proposal, error) {
	body, err := json.Marshal(obs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode observation: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/propose", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("intent service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("intent service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var prop Proposal
	if err := json.NewDecoder(resp.Body).Decode(&prop); err != nil {
		return nil, fmt.Errorf("failed to decode proposal: %w", err)
	}
	if prop.Text == "" && len(prop.Payload) == 0 {
		return nil, nil
	}
	return &prop, nil
}
