package models

import (
	"time"

	"github.com/rbaeza/agil-tracker/internal/score"
	"github.com/rbaeza/agil-tracker/internal/scrape"
)

// Opportunity is the API-facing record for a stored procurement posting,
// joined with its organization and tracking state.
type Opportunity struct {
	ID                 int               `json:"id"`
	Code               string            `json:"code"`
	Title              string            `json:"title"`
	Description        *string           `json:"description,omitempty"`
	Amount             float64           `json:"amount"`
	PublishedOn        *time.Time        `json:"published_on,omitempty"`
	ClosesAt           *time.Time        `json:"closes_at,omitempty"`
	SecondCallClosesAt *time.Time        `json:"second_call_closes_at,omitempty"`
	StatusText         string            `json:"status_text"`
	ConvocationState   int               `json:"convocation_state"`
	BidderCount        int               `json:"bidder_count"`
	DeliveryAddress    string            `json:"delivery_address,omitempty"`
	DeliveryTermDays   *int              `json:"delivery_term_days,omitempty"`
	LineItems          []scrape.LineItem `json:"line_items,omitempty"`
	Score              int               `json:"score"`
	Breakdown          []score.Entry     `json:"breakdown,omitempty"`
	Organization       string            `json:"organization"`
	OrgIsNew           bool              `json:"org_is_new"`
	Followed           bool              `json:"followed"`
	Bid                bool              `json:"bid"`
	Hidden             bool              `json:"hidden"`
	Note               string            `json:"note,omitempty"`
	WebURL             string            `json:"web_url"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// ScoringRow carries the stored fields the score engine needs when
// recomputing without network I/O.
type ScoringRow struct {
	ID          int
	Code        string
	Title       string
	Description *string
	StatusText  string
	OrgName     string
	LineItems   []scrape.LineItem
	Score       int
}

// ScoreUpdate is one pending score write, produced only when the computed
// value differs from the stored one.
type ScoreUpdate struct {
	ID        int
	Score     int
	Breakdown []score.Entry
}

// Organization is an API-facing buyer record.
type Organization struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	IsNew bool   `json:"is_new"`
}

// KeywordRule is the operator-facing keyword record.
type KeywordRule struct {
	ID                int    `json:"id"`
	Keyword           string `json:"keyword"`
	TitlePoints       int    `json:"title_points"`
	DescriptionPoints int    `json:"description_points"`
	ProductPoints     int    `json:"product_points"`
	Category          string `json:"category,omitempty"`
}

// OrgRuleView is the operator-facing organization rule record.
type OrgRuleView struct {
	ID      int    `json:"id"`
	OrgID   int    `json:"org_id"`
	OrgName string `json:"org_name"`
	Kind    string `json:"kind"`
	Points  int    `json:"points"`
}

// Run is one recorded pipeline execution.
type Run struct {
	ID          string     `json:"id"`
	Operation   string     `json:"operation"`
	Status      string     `json:"status"`
	ItemsFound  int        `json:"items_found"`
	ItemsSaved  int        `json:"items_saved"`
	Errors      int        `json:"errors"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Details     string     `json:"details,omitempty"`
}
