// Package model defines the core data types shared across the discovery pipeline.
package model

import (
	"strings"
	"time"
)

// Hospital is one facility from the external hospital registry. The registry
// owns identity and address fields; the pipeline only touches the denormalized
// discovery columns (status, attempts, timestamps).
type Hospital struct {
	ID             string         `json:"id" db:"id"`
	Name           string         `json:"name" db:"name"`
	Address        string         `json:"address,omitempty" db:"address"`
	City           string         `json:"city,omitempty" db:"city"`
	State          string         `json:"state" db:"state"`
	Website        string         `json:"website,omitempty" db:"website"`
	HealthSystem   string         `json:"health_system,omitempty" db:"health_system"`
	Status         DiscoveryState `json:"status" db:"status"`
	SearchAttempts int            `json:"search_attempts" db:"search_attempts"`
	ClaimEpoch     int64          `json:"claim_epoch" db:"claim_epoch"`
	LastSearched   *time.Time     `json:"last_searched,omitempty" db:"last_searched"`
	ValidatedAt    *time.Time     `json:"validated_at,omitempty" db:"validated_at"`
}

// SearchQuery builds the web-search query used to locate this hospital's
// transparency file.
func (h Hospital) SearchQuery() string {
	location := h.State
	if h.City != "" {
		location = h.City + ", " + h.State
	}
	return strings.TrimSpace(h.Name + " " + location + " price transparency standard charges")
}

// DiscoveryState is the per-hospital pipeline state.
type DiscoveryState string

const (
	StatePending         DiscoveryState = "pending"
	StateSearching       DiscoveryState = "searching"
	StateCandidatesFound DiscoveryState = "candidates_found"
	StateDownloading     DiscoveryState = "downloading"
	StateValidating      DiscoveryState = "validating"
	StateFound           DiscoveryState = "found"
	StateNotFound        DiscoveryState = "not_found"
	StateError           DiscoveryState = "error"
)

// Terminal reports whether the state ends a hospital's run. Error is terminal
// for the run but claimable again on the next batch.
func (s DiscoveryState) Terminal() bool {
	switch s {
	case StateFound, StateNotFound, StateError:
		return true
	}
	return false
}

// Claimable reports whether a hospital in this state may be claimed by a worker.
func (s DiscoveryState) Claimable() bool {
	return s == StatePending || s == StateError
}

// allowedTransitions is the discovery state machine. A hospital moves strictly
// forward within a run; error is re-enterable from every active state.
var allowedTransitions = map[DiscoveryState][]DiscoveryState{
	StatePending:         {StateSearching},
	StateSearching:       {StateCandidatesFound, StateNotFound, StateError},
	StateCandidatesFound: {StateDownloading, StateNotFound, StateError},
	StateDownloading:     {StateValidating, StateNotFound, StateError},
	StateValidating:      {StateFound, StateNotFound, StateError},
	StateError:           {StateSearching},
	StateFound:           {StatePending},
	StateNotFound:        {StatePending},
}

// CanTransition reports whether moving from one discovery state to another is
// legal. Terminal states only reopen through the explicit reprocess reset.
func CanTransition(from, to DiscoveryState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
