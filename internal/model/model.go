// Package model holds the entity types shared across the ingestion core:
// papers, embeddings, metadata, layout, dedup hashes, jobs and backups.
package model

import "time"

// OCRQuality is the quality-scorer verdict for a page's OCR pass.
type OCRQuality string

const (
	OCRQualityGood    OCRQuality = "good"
	OCRQualityFair    OCRQuality = "fair"
	OCRQualityPoor    OCRQuality = "poor"
	OCRQualityUnknown OCRQuality = "unknown"
)

// Priority orders ProcessingJob dispatch. Higher value dispatches first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// ParsePriority maps a wire string onto a Priority, defaulting to normal.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "urgent":
		return PriorityUrgent, true
	case "high":
		return PriorityHigh, true
	case "normal", "":
		return PriorityNormal, true
	case "low":
		return PriorityLow, true
	default:
		return PriorityNormal, false
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// JobStatus is the closed lifecycle enum of a ProcessingJob.
type JobStatus string

const (
	JobUploaded   JobStatus = "uploaded"
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// StepResult records one pipeline stage's outcome for ProcessingJob.steps_completed/failed.
type StepResult struct {
	Name       string        `json:"name"`
	DurationS  float64       `json:"duration_s,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	FinishedAt time.Time     `json:"-"`
	Duration   time.Duration `json:"-"`
}

// ProcessingJob is the Job Engine's unit of work, owned exclusively by the
// engine until it reaches a terminal status.
type ProcessingJob struct {
	JobID              string       `json:"job_id"`
	Filename           string       `json:"filename"`
	Priority           Priority     `json:"-"`
	PriorityName       string       `json:"priority"`
	Status             JobStatus    `json:"status"`
	ProgressPercentage int          `json:"progress_percentage"`
	CurrentStep        string       `json:"current_step,omitempty"`
	StepsCompleted     []StepResult `json:"steps_completed"`
	StepsFailed        []StepResult `json:"steps_failed"`
	ErrorMessage       string       `json:"error_message,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	StartedAt          *time.Time   `json:"started_at,omitempty"`
	CompletedAt        *time.Time   `json:"completed_at,omitempty"`
	PaperID            string       `json:"paper_id,omitempty"`
	SourceIP           string       `json:"-"`
	UploadPath         string       `json:"-"`
}

// Paper is a processed document; content_id is its logical identity.
type Paper struct {
	DocID             string
	ContentID         string
	Filename          string
	OCRQuality        OCRQuality
	OCRRegenerated    bool
	OriginalFilePath  string
	ProcessingNotes   string
	PendingVectorSync bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PageEmbedding is one page's extracted text and vector.
type PageEmbedding struct {
	DocID     string
	Page      int
	PageText  string
	VectorDim int
	ModelName string
	Vector    []float32
}

// DocumentEmbedding is the componentwise mean of a paper's page vectors.
type DocumentEmbedding struct {
	DocID     string
	ModelName string
	VectorDim int
	Vector    []float32
}

// MetadataProvenance records which cascade tier produced a Metadata record.
type MetadataProvenance string

const (
	ProvenanceStructuredLLM MetadataProvenance = "structured-llm"
	ProvenanceSimpleLLM     MetadataProvenance = "simple-llm"
	ProvenanceRuleBased     MetadataProvenance = "rule-based"
)

// Metadata is the bibliographic record extracted for a Paper, if any.
type Metadata struct {
	DocID      string
	Title      string
	Authors    []string
	Journal    string
	Year       int
	DOI        string
	Abstract   string
	Provenance MetadataProvenance
}

// LayoutAnalysis is the structured layout payload for a Paper, if any.
type LayoutAnalysis struct {
	DocID      string
	PageCount  int
	LayoutJSON string
}

// DuplicateHashes bundles the three dedup fingerprints for a Paper.
type DuplicateHashes struct {
	DocID               string
	FileHash            string
	ContentHash         string
	ContentHashPages    int
	SampleEmbeddingHash string
	SampleStrategy      string
	SampleVectorDim     int
}

// BackupType enumerates the four backup flavors.
type BackupType string

const (
	BackupSnapshot    BackupType = "snapshot"
	BackupFull        BackupType = "full"
	BackupIncremental BackupType = "incremental"
	BackupUnified     BackupType = "unified"
)

// BackupStatus is the terminal outcome of a backup attempt.
type BackupStatus string

const (
	BackupCompleted BackupStatus = "completed"
	BackupFailed    BackupStatus = "failed"
)

// BackupSource names which store(s) a BackupRecord covers.
type BackupSource string

const (
	SourceRelational BackupSource = "sqlite"
	SourceVector     BackupSource = "chromadb"
	SourceUnified    BackupSource = "unified"
)

// BackupRecord is a completed or failed backup attempt.
type BackupRecord struct {
	BackupID   string
	Type       BackupType
	Timestamp  time.Time
	SizeBytes  int64
	Checksum   string
	Status       BackupStatus
	ExpireDate   time.Time
	Source       BackupSource
	ArtifactPath string
}

// BreakerState is one of the three circuit breaker states.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// ServiceBreakerState is the observable snapshot of a circuit breaker.
type ServiceBreakerState struct {
	Service       string
	State         BreakerState
	FailureCount  int
	SuccessCount  int
	TotalCalls    int64
	TotalFailures int64
	LastError     string
	OpenedAt      *time.Time
}

// IssueClass enumerates the seven consistency-checker discrepancy classes.
type IssueClass int

const (
	IssuePaperWithoutVector IssueClass = iota + 1
	IssueVectorWithoutPaper
	IssuePageCountMismatch
	IssueEmbeddingDimMismatch
	IssueContentIDNoVectorMatch
	IssueDuplicateContentID
	IssuePendingVectorSync
)

// Severity ranks a consistency issue for the readiness score.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ConsistencyIssue is one detected discrepancy between the two stores.
type ConsistencyIssue struct {
	Class    IssueClass
	Severity Severity
	DocID    string
	Detail   string
}
