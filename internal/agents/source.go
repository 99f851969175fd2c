package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/datasciencemonkey/brickchat/internal/httpkit"
)

// ServingEndpointSource discovers agents from a workspace's serving
// endpoint listing. Only endpoints whose task matches Task are offered.
type ServingEndpointSource struct {
	workspaceURL string
	task         string
	client       *http.Client
}

// NewServingEndpointSource creates a source for the workspace at
// workspaceURL. client should carry the workspace credential (see
// [httpkit.WithBearerToken]); nil builds a default client.
func NewServingEndpointSource(workspaceURL, task string, client *http.Client) *ServingEndpointSource {
	if client == nil {
		client = httpkit.NewClient()
	}
	return &ServingEndpointSource{
		workspaceURL: strings.TrimRight(workspaceURL, "/"),
		task:         task,
		client:       client,
	}
}

// Name implements Source.
func (s *ServingEndpointSource) Name() string { return "serving-endpoints" }

type servingEndpointList struct {
	Endpoints []servingEndpoint `json:"endpoints"`
}

type servingEndpoint struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Task        string         `json:"task"`
	Creator     string         `json:"creator"`
	Description string         `json:"description"`
	State       map[string]any `json:"state"`
}

// Candidates implements Source.
func (s *ServingEndpointSource) Candidates(ctx context.Context) ([]Candidate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.workspaceURL+"/api/2.0/serving-endpoints", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list serving endpoints: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("list serving endpoints: status %d: %s", resp.StatusCode, body)
	}

	var list servingEndpointList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode serving endpoints: %w", err)
	}

	var out []Candidate
	for _, ep := range list.Endpoints {
		if ep.Name == "" || (s.task != "" && ep.Task != s.task) {
			continue
		}
		desc := ep.Description
		if desc == "" {
			desc = "Agent: " + ep.Name
		}
		out = append(out, Candidate{
			Endpoint:    s.workspaceURL + "/serving-endpoints/" + ep.Name + "/invocations",
			Name:        ep.Name,
			Description: desc,
			SourceMetadata: map[string]any{
				"endpoint_name": ep.Name,
				"task":          ep.Task,
				"state":         ep.State,
				"creator":       ep.Creator,
				"id":            ep.ID,
			},
		})
	}
	return out, nil
}

// StaticSource offers a fixed list of candidates, typically from config.
type StaticSource []Candidate

// Name implements Source.
func (StaticSource) Name() string { return "static" }

// Candidates implements Source.
func (s StaticSource) Candidates(context.Context) ([]Candidate, error) {
	out := make([]Candidate, len(s))
	copy(out, s)
	return out, nil
}
