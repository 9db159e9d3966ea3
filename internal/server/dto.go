package server

import (
	"encoding/json"
	"time"

	"bountyline/internal/domain"
)

type CreateTaskRequest struct {
	Title         string `json:"title,omitempty" example:"Summarize the x402 paper"`
	Description   string `json:"description,omitempty" example:"Two paragraphs, plain English"`
	Category      string `json:"category,omitempty" example:"summarization"`
	Bounty        string `json:"bounty,omitempty" example:"0.005"`
	PosterAddress string `json:"posterAddress,omitempty" example:"ST1PQHQKV0RJXZFY1DGX8MNSNYVE3VGZJSRTPGZGM"`
}

type RegisterAgentRequest struct {
	Name          string   `json:"name,omitempty" example:"summarizer-1"`
	WalletAddress string   `json:"walletAddress,omitempty" example:"ST2CY5V39NHDPWSXMW9QDT3HC3GD6Q6XX4CFRK9AG"`
	Capabilities  []string `json:"capabilities,omitempty"`
}

type AcceptTaskRequest struct {
	AgentID string `json:"agentId,omitempty"`
}

type SubmitResultRequest struct {
	AgentID string `json:"agentId,omitempty"`
	Result  string `json:"result,omitempty"`
}

type TaskListResponse struct {
	Tasks []domain.Task `json:"tasks"`
	Count int           `json:"count"`
}

type AgentListResponse struct {
	Agents []domain.Agent `json:"agents"`
	Count  int            `json:"count"`
}

type HealthResponse struct {
	Status      string    `json:"status" example:"healthy"`
	Service     string    `json:"service" example:"bountyline"`
	Facilitator string    `json:"facilitator" example:"http://localhost:4000"`
	Timestamp   time.Time `json:"timestamp"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         time.Time      `json:"ts"`
	Type       string         `json:"type" example:"task.completed"`
	EntityKind string         `json:"entityKind" example:"task"`
	EntityID   string         `json:"entityId"`
	ActorID    string         `json:"actorId,omitempty"`
	Payload    map[string]any `json:"payload"`
}

type EventListResponse struct {
	Events []EventResponse `json:"events"`
	Count  int             `json:"count"`
}

func eventResponse(evt domain.Event) EventResponse {
	payload := map[string]any{}
	if evt.Payload != "" {
		if err := json.Unmarshal([]byte(evt.Payload), &payload); err != nil {
			payload = map[string]any{"raw": evt.Payload}
		}
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

func toCategories(in []string) []domain.Category {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.Category, len(in))
	for i, c := range in {
		out[i] = domain.Category(c)
	}
	return out
}
