package model

import "time"

// SearchCandidate is one web-search hit for a hospital. Transient: candidates
// live for the duration of a run unless they produce a PriceFile.
type SearchCandidate struct {
	HospitalID  string    `json:"hospital_id"`
	URL         string    `json:"url"`
	Title       string    `json:"title,omitempty"`
	Snippet     string    `json:"snippet,omitempty"`
	Rank        int       `json:"rank"`
	Confidence  float64   `json:"confidence"`
	Rationale   string    `json:"rationale,omitempty"`
	RetrievedAt time.Time `json:"retrieved_at"`
}

// FileLink is a candidate file URL extracted from a crawled page.
type FileLink struct {
	URL        string  `json:"url"`
	AnchorText string  `json:"anchor_text,omitempty"`
	FileType   string  `json:"file_type,omitempty"`
	Score      float64 `json:"score"`
}

// IsDirectFile reports whether the link points at a file rather than a page.
func (l FileLink) IsDirectFile() bool {
	return l.FileType != ""
}

// PriceFile is a downloaded transparency-file record. Uniquely keyed by
// (hospital_id, file_url); re-discovery of the same URL updates in place.
type PriceFile struct {
	ID              string     `json:"id" db:"id"`
	HospitalID      string     `json:"hospital_id" db:"hospital_id"`
	FileURL         string     `json:"file_url" db:"file_url"`
	FileType        string     `json:"file_type" db:"file_type"`
	DownloadedPath  string     `json:"downloaded_path,omitempty" db:"downloaded_path"`
	FileSize        int64      `json:"file_size" db:"file_size"`
	StructuralScore float64    `json:"structural_score" db:"structural_score"`
	SemanticScore   float64    `json:"semantic_score" db:"semantic_score"`
	MatchScore      float64    `json:"match_score" db:"match_score"`
	Validated       bool       `json:"validated" db:"validated"`
	FoundDate       time.Time  `json:"found_date" db:"found_date"`
	ValidationDate  *time.Time `json:"validation_date,omitempty" db:"validation_date"`
}

// CombinedScore is the weighted content score used against the validation
// threshold. weight is the structural share in [0,1].
func (p PriceFile) CombinedScore(structuralWeight float64) float64 {
	return structuralWeight*p.StructuralScore + (1-structuralWeight)*p.SemanticScore
}
