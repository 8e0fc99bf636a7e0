package domain

import "time"

type DrawingStatus string

const (
	StatusUploaded   DrawingStatus = "uploaded"
	StatusProcessing DrawingStatus = "processing"
	StatusReview     DrawingStatus = "review"
	StatusComplete   DrawingStatus = "complete"
	StatusError      DrawingStatus = "error"
)

// IdleStatuses are the statuses from which a new processing job may start.
func IdleStatuses() []DrawingStatus {
	return []DrawingStatus{StatusUploaded, StatusReview, StatusComplete, StatusError}
}

func (s DrawingStatus) IsIdle() bool {
	for _, idle := range IdleStatuses() {
		if s == idle {
			return true
		}
	}
	return false
}

type SourceType string

const (
	SourceVector  SourceType = "vector"
	SourceScanned SourceType = "scanned"
)

type TitleBlock struct {
	DrawingNumber string `json:"drawing_number"`
	Revision      string `json:"revision"`
	Title         string `json:"title,omitempty"`
}

type Drawing struct {
	ID                  string        `json:"id"`
	ProjectID           string        `json:"project_id"`
	Filename            string        `json:"filename"`
	MimeType            string        `json:"mime_type"`
	StoragePath         string        `json:"storage_path"`
	SourceType          SourceType    `json:"source_type,omitempty"`
	Status              DrawingStatus `json:"status"`
	Error               string        `json:"error,omitempty"`
	PageCount           int           `json:"page_count"`
	ActiveJobID         string        `json:"active_job_id,omitempty"`
	ProcessingStartedAt *time.Time    `json:"processing_started_at,omitempty"`
	TitleBlock          TitleBlock    `json:"title_block"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// Progress summarizes the active or most recent processing job of a drawing.
type Progress struct {
	JobID           string    `json:"job_id"`
	JobStatus       JobStatus `json:"job_status"`
	Stage           Stage     `json:"stage,omitempty"`
	CompletedStages []Stage   `json:"completed_stages"`
	Percent         int       `json:"percent"`
}

type DrawingView struct {
	Drawing
	Progress *Progress `json:"progress,omitempty"`
}
