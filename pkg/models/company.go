package models

import "time"

// Company is a candidate record returned by the relational lookup store.
type Company struct {
	Ticker    string   `db:"ticker"     json:"ticker"`
	Name      string   `db:"name"       json:"name"`
	Sector    string   `db:"sector"     json:"sector"`
	Industry  string   `db:"industry"   json:"industry,omitempty"`
	Tags      []string `db:"tags"       json:"tags,omitempty"`
	MarketCap float64  `db:"market_cap" json:"market_cap,omitempty"`
	// Relevance and MatchedBy are assigned by the lookup query, not stored.
	Relevance float64 `json:"relevance"`
	MatchedBy string  `json:"matched_by"`
}

// SavedAnalysis is a synthesized analysis kept for chat grounding.
type SavedAnalysis struct {
	AnalysisID string         `db:"analysis_id" json:"analysis_id"`
	Analysis   map[string]any `db:"analysis"    json:"analysis"`
	CreatedAt  time.Time      `db:"created_at"  json:"created_at"`
	ExpiresAt  time.Time      `db:"expires_at"  json:"expires_at"`
}
