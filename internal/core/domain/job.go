package domain

import (
	"fmt"
	"strings"
	"time"
)

type Stage string

const (
	StageNormalize Stage = "normalize"
	StageDetect    Stage = "detect"
	StageLines     Stage = "lines"
	StageTags      Stage = "tags"
)

// AllStages lists pipeline stages in execution order.
func AllStages() []Stage {
	return []Stage{StageNormalize, StageDetect, StageLines, StageTags}
}

// ParseStages validates requested stage names and returns them in pipeline
// order without duplicates. An empty request selects every stage.
func ParseStages(names []string) ([]Stage, error) {
	if len(names) == 0 {
		return AllStages(), nil
	}
	requested := make(map[Stage]bool, len(names))
	for _, name := range names {
		s := Stage(strings.ToLower(strings.TrimSpace(name)))
		known := false
		for _, candidate := range AllStages() {
			if candidate == s {
				known = true
				break
			}
		}
		if !known {
			return nil, WrapError(ErrInvalidInput, "parse stages", fmt.Errorf("unknown stage %q", name))
		}
		requested[s] = true
	}
	out := make([]Stage, 0, len(requested))
	for _, s := range AllStages() {
		if requested[s] {
			out = append(out, s)
		}
	}
	return out, nil
}

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

type PartialFailure struct {
	Stage   Stage  `json:"stage"`
	Page    int    `json:"page"`
	Tile    int    `json:"tile"`
	Message string `json:"message"`
}

type ProcessingJob struct {
	ID              string           `json:"id"`
	DrawingID       string           `json:"drawing_id"`
	Stages          []Stage          `json:"stages"`
	CompletedStages []Stage          `json:"completed_stages"`
	Status          JobStatus        `json:"status"`
	Attempts        int              `json:"attempts"`
	Error           string           `json:"error,omitempty"`
	PartialFailures []PartialFailure `json:"partial_failures"`
	Warnings        []string         `json:"warnings"`
	CreatedAt       time.Time        `json:"created_at"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	FinishedAt      *time.Time       `json:"finished_at,omitempty"`
}

func (j *ProcessingJob) StageDone(s Stage) bool {
	for _, done := range j.CompletedStages {
		if done == s {
			return true
		}
	}
	return false
}

func (j *ProcessingJob) Requested(s Stage) bool {
	for _, r := range j.Stages {
		if r == s {
			return true
		}
	}
	return false
}

// Progress reports the job's position in its requested stages.
func (j *ProcessingJob) Progress() Progress {
	p := Progress{
		JobID:           j.ID,
		JobStatus:       j.Status,
		CompletedStages: append([]Stage(nil), j.CompletedStages...),
	}
	if len(j.Stages) > 0 {
		p.Percent = len(j.CompletedStages) * 100 / len(j.Stages)
	}
	if !j.Status.Terminal() {
		for _, s := range j.Stages {
			if !j.StageDone(s) {
				p.Stage = s
				break
			}
		}
	}
	return p
}

type ExportFormat string

const (
	FormatDXF  ExportFormat = "dxf"
	FormatPDF  ExportFormat = "pdf"
	FormatXLSX ExportFormat = "xlsx"
)

func (f ExportFormat) Valid() bool {
	switch f {
	case FormatDXF, FormatPDF, FormatXLSX:
		return true
	}
	return false
}

func (f ExportFormat) ContentType() string {
	switch f {
	case FormatDXF:
		return "application/dxf"
	case FormatPDF:
		return "application/pdf"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "application/octet-stream"
}

type ExportStatus string

const (
	ExportQueued     ExportStatus = "queued"
	ExportProcessing ExportStatus = "processing"
	ExportCompleted  ExportStatus = "completed"
	ExportFailed     ExportStatus = "failed"
)

// CanTransition enforces forward-only movement; terminal states are final.
func (s ExportStatus) CanTransition(to ExportStatus) bool {
	switch s {
	case ExportQueued:
		return to == ExportProcessing || to == ExportFailed
	case ExportProcessing:
		return to == ExportCompleted || to == ExportFailed
	}
	return false
}

func (s ExportStatus) Terminal() bool {
	return s == ExportCompleted || s == ExportFailed
}

type ExportOptions struct {
	PaperSize         string   `json:"paper_size,omitempty"`
	Scale             float64  `json:"scale,omitempty"`
	IncludedLayers    []string `json:"included_layers,omitempty"`
	IncludeUnverified *bool    `json:"include_unverified,omitempty"`
	Draft             bool     `json:"draft,omitempty"`
}

// IncludesUnverified resolves the default: formal exports carry verified
// symbols only, drafts and review checklists carry everything.
func (o ExportOptions) IncludesUnverified(format ExportFormat) bool {
	if o.IncludeUnverified != nil {
		return *o.IncludeUnverified
	}
	return o.Draft || format == FormatXLSX
}

// Formal exports finalize a drawing under review.
func (o ExportOptions) Formal(format ExportFormat) bool {
	return !o.Draft && format == FormatDXF
}

type ExportItemError struct {
	DrawingID string `json:"drawing_id"`
	Message   string `json:"message"`
}

type ExportJob struct {
	ID                string            `json:"id"`
	DrawingIDs        []string          `json:"drawing_ids"`
	Format            ExportFormat      `json:"format"`
	Options           ExportOptions     `json:"options"`
	Batch             bool              `json:"batch"`
	Status            ExportStatus      `json:"status"`
	ResultRef         string            `json:"result_ref,omitempty"`
	Errors            []ExportItemError `json:"errors"`
	CompletedDrawings int               `json:"completed_drawings"`
	FailedDrawings    int               `json:"failed_drawings"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	StartedAt         *time.Time        `json:"started_at,omitempty"`
	FinishedAt        *time.Time        `json:"finished_at,omitempty"`
}

// ExportRequest asks for one drawing or for a batch. A batch is packaged as
// a ZIP with a manifest however many drawings it names, and its members are
// checked when the job runs rather than when it is requested.
type ExportRequest struct {
	DrawingIDs []string
	Format     ExportFormat
	Options    ExportOptions
	Batch      bool
}

// ExportArtifact is a finished export ready for download.
type ExportArtifact struct {
	Filename    string
	ContentType string
	StorageKey  string
}
