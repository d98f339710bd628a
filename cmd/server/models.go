package main

import (
	"fmt"
	"time"

	"github.com/liamcoop/anomalies/anomaly"
	"github.com/liamcoop/anomalies/attendance"
	"github.com/liamcoop/anomalies/rules"
	"github.com/liamcoop/anomalies/scan"
)

// API Request and Response Models

// HealthResponse represents the health check result
type HealthResponse struct {
	Status         string `json:"status" example:"healthy"`
	RulesetVersion int    `json:"rulesetVersion" example:"3"`
	RulesetDigest  string `json:"rulesetDigest,omitempty"`
	Error          string `json:"error,omitempty"`
}

// CatalogueResponse lists what a decision tree may reference
type CatalogueResponse struct {
	Conditions []rules.Condition  `json:"conditions"`
	Actions    []rules.Action     `json:"actions"`
	Defaults   rules.MarginConfig `json:"defaults"`
}

// ValidateResponse is returned for a document that passed validation
type ValidateResponse struct {
	Valid  bool   `json:"valid" example:"true"`
	Digest string `json:"digest"`
	Nodes  int    `json:"nodes" example:"24"`
	Depth  int    `json:"depth" example:"9"`
}

// RejectedResponse is returned with 422 when a document is refused
type RejectedResponse struct {
	Error   string        `json:"error" example:"ruleset rejected"`
	Details string        `json:"details"`
	Issues  []rules.Issue `json:"issues,omitempty"`
}

// VersionSummary describes a stored ruleset version without its tree
type VersionSummary struct {
	Version     int       `json:"version" example:"2"`
	Digest      string    `json:"digest"`
	Active      bool      `json:"active" example:"true"`
	PublishedAt time.Time `json:"publishedAt" example:"2026-01-15T10:30:00Z"`
}

// VersionsListResponse represents the response for listing ruleset versions
type VersionsListResponse struct {
	Versions []VersionSummary `json:"versions"`
}

// BatchScanRequest represents the request body for a batch scan.
// Empty dates mean yesterday.
type BatchScanRequest struct {
	From            string   `json:"from,omitempty" example:"2026-01-12"`
	To              string   `json:"to,omitempty" example:"2026-01-18"`
	SiteIDs         []string `json:"siteIds,omitempty"`
	IncludeInactive bool     `json:"includeInactive,omitempty"`
	RetryFailures   bool     `json:"retryFailures,omitempty"`
}

func (r BatchScanRequest) toBatchRequest() (scan.BatchRequest, error) {
	req := scan.BatchRequest{SiteIDs: r.SiteIDs, IncludeInactive: r.IncludeInactive}
	var err error
	if r.From != "" {
		if req.From, err = time.Parse(attendance.DateLayout, r.From); err != nil {
			return req, fmt.Errorf("from: %w", err)
		}
	}
	if r.To != "" {
		if req.To, err = time.Parse(attendance.DateLayout, r.To); err != nil {
			return req, fmt.Errorf("to: %w", err)
		}
	}
	return req, nil
}

// UpdateStatusRequest represents a reviewer closing an anomaly
type UpdateStatusRequest struct {
	Status string `json:"status" example:"RESOLVED"`
}

// AnomaliesListResponse represents the response for listing anomalies
type AnomaliesListResponse struct {
	Anomalies []*anomaly.Anomaly `json:"anomalies"`
	Count     int                `json:"count" example:"12"`
}
