package main

import (
	"encoding/json"
	"time"

	"github.com/liamcoop/achievements/handler"
	"github.com/liamcoop/achievements/pack"
	"github.com/liamcoop/achievements/progress"
)

// API Request and Response Models

// HealthResponse reports whether the handler can still evaluate
type HealthResponse struct {
	Status      string        `json:"status" example:"healthy"`
	State       handler.State `json:"state" example:"Working"`
	PacksLoaded int           `json:"packsLoaded,omitempty" example:"2"`
	Error       string        `json:"error,omitempty"`
} // @name HealthResponse

// StatusResponse is the detailed service status
type StatusResponse struct {
	Handler      handler.Snapshot `json:"handler"`
	StateSince   time.Time        `json:"stateSince" example:"2024-01-15T10:30:00Z"`
	FatalActions []string         `json:"fatalActions,omitempty" example:"veteran/max-level"`
	Packs        int              `json:"packs" example:"2"`
	Counters     map[string]int64 `json:"counters"`
	Uptime       string           `json:"uptime" example:"1h2m3s"`
} // @name StatusResponse

// EvaluateRequest applies ad hoc filters to a batch of JSON items
type EvaluateRequest struct {
	Filters []pack.FilterDef  `json:"filters" binding:"required"`
	Items   []json.RawMessage `json:"items"`
} // @name EvaluateRequest

// EvaluateResponse lists item indices per partition, in input order
type EvaluateResponse struct {
	Accepted []int `json:"accepted" example:"0,2"`
	Rejected []int `json:"rejected" example:"1"`
} // @name EvaluateResponse

// PlayerUpdateResponse acknowledges a player state push
type PlayerUpdateResponse struct {
	Source string        `json:"source" example:"player"`
	State  handler.State `json:"state" example:"Working"`
} // @name PlayerUpdateResponse

// PacksListResponse represents the response for listing packs
type PacksListResponse struct {
	Packs []pack.Summary `json:"packs"`
} // @name PacksListResponse

// PackResponse is a loaded pack with per-criterion progress
type PackResponse struct {
	ID       string              `json:"id" example:"veteran"`
	Name     string              `json:"name" example:"Veteran"`
	Version  int                 `json:"version" example:"1"`
	Criteria []CriterionResponse `json:"criteria"`
} // @name PackResponse

// CriterionResponse represents a criterion in API responses
type CriterionResponse struct {
	ID          string     `json:"id" example:"max-level"`
	Name        string     `json:"name" example:"Reach max level"`
	Source      string     `json:"source" example:"player"`
	Required    int        `json:"required" example:"1"`
	Matched     int        `json:"matched" example:"0"`
	Completed   bool       `json:"completed" example:"false"`
	CompletedAt *time.Time `json:"completedAt,omitempty" example:"2024-01-15T10:30:00Z"`
	LastError   string     `json:"lastError,omitempty"`
} // @name CriterionResponse

// ProgressResponse lists the recorded completions of a pack
type ProgressResponse struct {
	PackID    string            `json:"packId" example:"veteran"`
	Completed []progress.Record `json:"completed"`
} // @name ProgressResponse

func newPackResponse(p *pack.Pack) PackResponse {
	resp := PackResponse{
		ID:       p.ID,
		Name:     p.Name,
		Version:  p.Version,
		Criteria: make([]CriterionResponse, 0, len(p.Criteria())),
	}

	for _, c := range p.Criteria() {
		matched, required := c.Progress()
		done, at := c.Completed()

		cr := CriterionResponse{
			ID:        c.ID(),
			Name:      c.Name(),
			Source:    c.Source(),
			Required:  required,
			Matched:   matched,
			Completed: done,
		}
		// criteria restored from the store carry no completion time
		if done && !at.IsZero() {
			cr.CompletedAt = &at
		}
		if err := c.LastError(); err != nil {
			cr.LastError = err.Error()
		}
		resp.Criteria = append(resp.Criteria, cr)
	}

	return resp
}
