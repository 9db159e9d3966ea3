package domain

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusOpen      Status = "open"
	StatusAssigned  Status = "assigned"
	StatusSubmitted Status = "submitted"
	StatusCompleted Status = "completed"
	// StatusCancelled is part of the status domain but no operation reaches it yet.
	StatusCancelled Status = "cancelled"
)

var statuses = []Status{StatusOpen, StatusAssigned, StatusSubmitted, StatusCompleted, StatusCancelled}

// ParseStatus validates a raw status string.
func ParseStatus(s string) (Status, error) {
	for _, st := range statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("invalid status %q", s)
}

type Category string

const (
	CategorySummarization Category = "summarization"
	CategoryResearch      Category = "research"
	CategoryAnalysis      Category = "analysis"
	CategoryWriting       Category = "writing"
	CategoryCoding        Category = "coding"
	CategoryTranslation   Category = "translation"
	CategoryOther         Category = "other"
)

// Categories lists every task category in display order.
var Categories = []Category{
	CategorySummarization,
	CategoryResearch,
	CategoryAnalysis,
	CategoryWriting,
	CategoryCoding,
	CategoryTranslation,
	CategoryOther,
}

// ParseCategory validates a raw category. Empty input yields CategoryOther.
func ParseCategory(s string) (Category, error) {
	if s == "" {
		return CategoryOther, nil
	}
	for _, c := range Categories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("invalid category %q", s)
}

type Settlement string

const (
	SettlementLive      Settlement = "live"
	SettlementSimulated Settlement = "simulated"
)

type Task struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	Category        Category   `json:"category" enum:"summarization,research,analysis,writing,coding,translation,other"`
	Bounty          string     `json:"bounty" example:"0.005"`
	BountyBaseUnits string     `json:"bountyBaseUnits" example:"5000"`
	Status          Status     `json:"status" enum:"open,assigned,submitted,completed,cancelled"`
	PosterAddress   string     `json:"posterAddress"`
	AssignedAgent   string     `json:"assignedAgent,omitempty"`
	Result          string     `json:"result,omitempty"`
	PaymentTxID     string     `json:"paymentTxId,omitempty"`
	Settlement      Settlement `json:"settlement,omitempty" enum:"live,simulated"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

type Agent struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	WalletAddress  string     `json:"walletAddress"`
	Capabilities   []Category `json:"capabilities"`
	TasksCompleted int        `json:"tasksCompleted"`
	TotalEarned    string     `json:"totalEarned" example:"0.005000"`
	RegisteredAt   time.Time  `json:"registeredAt"`
	LastActiveAt   time.Time  `json:"lastActiveAt"`
}

type Stats struct {
	TotalTasks     int    `json:"totalTasks"`
	OpenTasks      int    `json:"openTasks"`
	CompletedTasks int    `json:"completedTasks"`
	TotalAgents    int    `json:"totalAgents"`
	TotalPaid      string `json:"totalPaid"`
}

type Event struct {
	ID         int64     `json:"id"`
	TS         time.Time `json:"ts"`
	Type       string    `json:"type"`
	EntityKind string    `json:"entityKind"`
	EntityID   string    `json:"entityId"`
	ActorID    string    `json:"actorId,omitempty"`
	Payload    string    `json:"payload"`
}
