package models

import (
	"encoding/json"
	"time"
)

// Hazard is a single finding in an analysis result.
type Hazard struct {
	Type        string   `json:"type"`
	Level       string   `json:"level"`
	Description string   `json:"description"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// AnalysisResult is the upstream analyze response.
type AnalysisResult struct {
	Scene      string `json:"scene"`
	MainHazard Hazard `json:"main_hazard"`
	ImagePath  string `json:"image_path"`
}

// BatchItem pairs an uploaded filename with its analysis.
type BatchItem struct {
	Filename string         `json:"filename"`
	Result   AnalysisResult `json:"result"`
}

// BatchResult is the analyze_batch response.
type BatchResult struct {
	Items []BatchItem `json:"items"`
}

// Report is a stored analysis result that citations can be fetched for.
type Report struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	Filename  string         `json:"filename"`
	Result    AnalysisResult `json:"result"`
	Fallback  bool           `json:"fallback"`
	CreatedAt time.Time      `json:"created_at"`
}

// Citations is the hazards_kb_citations response. Hazard entries are passed
// through as returned upstream.
type Citations struct {
	TaskID  string            `json:"task_id"`
	Hazards []json.RawMessage `json:"hazards"`
}
