package db

import (
	"fmt"
	"time"
)

// JobKind selects the backup engine for a job.
type JobKind string

const (
	// KindFileSet backs up one or more directory trees file by file.
	KindFileSet JobKind = "file_set"
	// KindHostImage is reserved for whole-host backups driven by an external
	// deduplicating tool. No engine ships for it; runs are rejected.
	KindHostImage JobKind = "host_image"
)

// ParseJobKind validates a kind string received at the API boundary.
func ParseJobKind(s string) (JobKind, error) {
	switch JobKind(s) {
	case KindFileSet, KindHostImage:
		return JobKind(s), nil
	}
	return "", fmt.Errorf("db: unknown job kind %q", s)
}

// StorageClass is the storage tier a job targets. Codes are persisted as-is;
// S3Name maps them to the provider's class names at the object store boundary.
type StorageClass string

const (
	ClassHot      StorageClass = "HOT"       // immediate access
	ClassCoolIR   StorageClass = "COOL_IR"   // infrequent access, ms retrieval
	ClassCoolFlex StorageClass = "COOL_FLEX" // cold, minutes-to-hours retrieval
	ClassDeep     StorageClass = "DEEP"      // deep archive, hours retrieval
)

// AllStorageClasses lists every class in pricing/aggregation order.
var AllStorageClasses = []StorageClass{ClassHot, ClassCoolIR, ClassCoolFlex, ClassDeep}

// ParseStorageClass validates a class string received at the API boundary.
func ParseStorageClass(s string) (StorageClass, error) {
	switch StorageClass(s) {
	case ClassHot, ClassCoolIR, ClassCoolFlex, ClassDeep:
		return StorageClass(s), nil
	}
	return "", fmt.Errorf("db: unknown storage class %q", s)
}

// S3Name returns the S3 storage class identifier for this tier.
func (c StorageClass) S3Name() string {
	switch c {
	case ClassHot:
		return "STANDARD"
	case ClassCoolIR:
		return "GLACIER_IR"
	case ClassCoolFlex:
		return "GLACIER"
	case ClassDeep:
		return "DEEP_ARCHIVE"
	}
	return "DEEP_ARCHIVE"
}

// IsCold reports whether objects in this class need a rehydration request
// before they can be read.
func (c StorageClass) IsCold() bool {
	return c == ClassCoolFlex || c == ClassDeep
}

// RunStatus is the lifecycle state of a BackupRun. Transitions are monotone:
// pending -> running -> {success, failed, cancelled}, and pending -> cancelled.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusSuccess   RunStatus = "success"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is an end state.
func (s RunStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// Job is a recurring backup specification. Source paths and glob patterns are
// stored as JSON arrays in text columns; repositories hand them to callers
// raw and the worker decodes them.
type Job struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`

	Name        string  `gorm:"uniqueIndex;not null"`
	Kind        JobKind `gorm:"not null;default:'file_set'"`
	Description string  `gorm:"type:text;default:''"`

	SourcePaths string `gorm:"type:text;not null"` // JSON array of absolute paths
	// Enabled carries no gorm default: a column default would silently
	// overwrite an explicit false on insert.
	Schedule string `gorm:"not null"`
	Enabled  bool   `gorm:"not null"`

	Bucket       string       `gorm:"not null"`
	Prefix       string       `gorm:"not null"`
	StorageClass StorageClass `gorm:"not null;default:'DEEP'"`

	IncludePatterns string `gorm:"type:text;default:''"` // JSON array of globs
	ExcludePatterns string `gorm:"type:text;default:''"` // JSON array of globs

	// Retention. Only KeepLastN is enforced; the GFS fields are persisted for
	// forward compatibility but not applied (see DESIGN.md).
	KeepLastN  int `gorm:"not null;default:30"`
	GFSDaily   int `gorm:"not null;default:7"`
	GFSWeekly  int `gorm:"not null;default:4"`
	GFSMonthly int `gorm:"not null;default:12"`

	BandwidthLimit int64 `gorm:"not null;default:0"` // bytes/s, 0 = unlimited
	CPUPriority    int   `gorm:"not null;default:5"` // 0-10 hint

	EncryptionEnabled  bool `gorm:"not null"`
	IncrementalEnabled bool `gorm:"not null"`

	// Denormalized last-run summary, maintained by the worker.
	LastRunAt     *time.Time
	LastRunStatus RunStatus `gorm:"default:''"`
	NextRunAt     *time.Time
}

// BackupRun is one execution attempt of a Job.
type BackupRun struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	CreatedAt time.Time `gorm:"not null"`

	JobID  int64     `gorm:"not null;index"`
	Status RunStatus `gorm:"not null;default:'pending'"`

	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationSeconds float64 `gorm:"not null;default:0"`

	SnapshotID string `gorm:"index;default:''"`
	SizeBytes  int64  `gorm:"not null;default:0"`
	FilesCount int    `gorm:"not null;default:0"`

	S3Key        string       `gorm:"default:''"` // file key or prefix
	StorageClass StorageClass `gorm:"default:''"`

	ErrorMessage string `gorm:"type:text;default:''"`
	LogPath      string `gorm:"default:''"`

	ManualTrigger bool `gorm:"not null;default:false"`
}

// Snapshot is a retained artifact that restore can target. The remote
// artifact set (manifest plus per-file objects, or a single archive) is owned
// by logical reference; retention only clears the Retained flag and never
// deletes remote objects.
type Snapshot struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	CreatedAt time.Time `gorm:"not null;index"`

	JobID       int64 `gorm:"not null;index"`
	BackupRunID int64 `gorm:"index"`

	SnapshotID string `gorm:"uniqueIndex;not null"`

	SizeBytes  int64 `gorm:"not null;default:0"`
	FilesCount int   `gorm:"not null;default:0"`

	S3Key        string       `gorm:"not null;default:''"` // file key or prefix
	ManifestKey  string       `gorm:"default:''"`          // empty for full-archive mode
	StorageClass StorageClass `gorm:"default:''"`

	IsIncremental  bool `gorm:"not null;default:false"`
	FilesUnchanged int  `gorm:"not null;default:0"`

	Retained        bool   `gorm:"not null"`
	RetentionReason string `gorm:"default:''"`
}

// Notification records an alert emitted for a job or run, with per-channel
// delivery flags set by the senders.
type Notification struct {
	ID     int64 `gorm:"primaryKey;autoIncrement"`
	SentAt time.Time

	JobID       int64 `gorm:"index"`
	BackupRunID int64 `gorm:"index"`

	Type     string `gorm:"not null"`                // "backup_failure", "backup_success", ...
	Severity string `gorm:"not null;default:'info'"` // "info", "warning", "error"
	Message  string `gorm:"type:text;not null"`

	EmailSent   bool `gorm:"not null;default:false"`
	WebhookSent bool `gorm:"not null;default:false"`
}

// StorageMetric is a daily aggregate of retained snapshot sizes and estimated
// monthly cost, at most one row per calendar day.
type StorageMetric struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	RecordedAt time.Time `gorm:"not null;index"`

	TotalSizeBytes    int64 `gorm:"not null;default:0"`
	SizeHotBytes      int64 `gorm:"not null;default:0"`
	SizeCoolIRBytes   int64 `gorm:"not null;default:0"`
	SizeCoolFlexBytes int64 `gorm:"not null;default:0"`
	SizeDeepBytes     int64 `gorm:"not null;default:0"`

	TotalFiles int64 `gorm:"not null;default:0"`

	MonthlyCostEstimate float64 `gorm:"not null;default:0"`
	CostHot             float64 `gorm:"not null;default:0"`
	CostCoolIR          float64 `gorm:"not null;default:0"`
	CostCoolFlex        float64 `gorm:"not null;default:0"`
	CostDeep            float64 `gorm:"not null;default:0"`

	JobBreakdown string `gorm:"type:text;default:'{}'"` // JSON: job_id -> summary
}
