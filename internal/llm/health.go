package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

const (
	probeTimeout = 5 * time.Second
	probeBudget  = 15 * time.Second
)

// HealthProbe reports whether the provider is reachable. It tries, in order,
// the /models listing, the mesh-native /api/tags listing, and finally a
// one-token chat completion, returning true on the first success. Each probe
// gets five seconds inside a fifteen second overall budget.
func (c *Client) HealthProbe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeBudget)
	defer cancel()

	if c.probeModels(ctx) {
		return true
	}
	if c.probeTags(ctx) {
		return true
	}
	return c.probeCompletion(ctx)
}

func (c *Client) probeModels(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	headers := map[string]string{}
	if c.config.APIKey != "" {
		headers["Authorization"] = "Bearer " + c.config.APIKey
	}

	status, body, err := c.transport.Request(ctx, http.MethodGet, c.config.BaseURL+"/models", headers, nil)
	if err != nil || status != http.StatusOK {
		return false
	}

	var models modelsResponse
	if err := json.Unmarshal(body, &models); err != nil {
		return false
	}
	return true
}

// probeTags hits the Ollama-style tags listing that mesh-native deployments
// expose instead of /models.
func (c *Client) probeTags(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	status, _, err := c.transport.Request(ctx, http.MethodGet, c.config.BaseURL+"/api/tags", nil, nil)
	return err == nil && status == http.StatusOK
}

func (c *Client) probeCompletion(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	_, err := c.ChatCompletion(ctx, []Message{{Role: RoleUser, Content: "ping"}}, 0, 1)
	return err == nil
}
