package api

import (
	"net/http"
	"strings"
)

// AgentInfo is the configurable part of the agent card.
type AgentInfo struct {
	Name        string
	Description string
	Version     string
	// URL is the public base URL. Empty derives it from the request.
	URL string
}

// AgentCard is served at /.well-known/agent.json for A2A discovery.
type AgentCard struct {
	Name               string            `json:"name"`
	Description        string            `json:"description"`
	URL                string            `json:"url"`
	Version            string            `json:"version"`
	Capabilities       AgentCapabilities `json:"capabilities"`
	Skills             []AgentSkill      `json:"skills"`
	DefaultInputModes  []string          `json:"defaultInputModes"`
	DefaultOutputModes []string          `json:"defaultOutputModes"`
	Provider           map[string]string `json:"provider,omitempty"`
}

// AgentCapabilities advertises optional protocol features.
type AgentCapabilities struct {
	Streaming              bool `json:"streaming"`
	PushNotifications      bool `json:"pushNotifications"`
	StateTransitionHistory bool `json:"stateTransitionHistory"`
}

// AgentSkill describes one thing the agent can do.
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
	Examples    []string `json:"examples,omitempty"`
}

// BuildAgentCard returns the card for the given base URL.
func BuildAgentCard(info AgentInfo, baseURL string) AgentCard {
	return AgentCard{
		Name:        info.Name,
		Description: info.Description,
		URL:         strings.TrimSuffix(baseURL, "/"),
		Version:     info.Version,
		Capabilities: AgentCapabilities{
			Streaming:              true,
			PushNotifications:      false,
			StateTransitionHistory: true,
		},
		Skills: []AgentSkill{{
			ID:          "contract_review",
			Name:        "Contract Clause Review",
			Description: "Analyze contract documents to extract clauses, identify legal risks, and provide recommendations for improvement.",
			Tags:        []string{"legal", "contracts", "compliance", "risk-analysis"},
			Examples: []string{
				"Review this NDA for potential risks",
				"Extract all liability clauses from this agreement",
				"Analyze the termination provisions in this contract",
			},
		}},
		DefaultInputModes:  []string{"text", "file"},
		DefaultOutputModes: []string{"text"},
		Provider:           map[string]string{"name": "Sae"},
	}
}

func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	base := s.config.Agent.URL
	if base == "" {
		base = requestBaseURL(r)
	}
	s.writeJSON(w, http.StatusOK, BuildAgentCard(s.config.Agent, base))
}

// requestBaseURL reconstructs scheme://host, honoring X-Forwarded-Proto.
func requestBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(p, ",")[0]))
	}
	return scheme + "://" + r.Host
}
