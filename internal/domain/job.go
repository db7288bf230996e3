package domain

import "time"

// JobType identifies what kind of metadata a job produces.
type JobType string

const (
	JobTypeProductSeo JobType = "product_seo"
	JobTypeImageAlt   JobType = "image_alt"
	JobTypeBlogSeo    JobType = "blog_seo"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeProductSeo, JobTypeImageAlt, JobTypeBlogSeo:
		return true
	}
	return false
}

// Phase is the pipeline stage a job is in.
type Phase string

const (
	PhaseGenerating Phase = "generating"
	PhaseGenerated  Phase = "generated"
	PhasePublishing Phase = "publishing"
	PhasePublished  Phase = "published"
)

// Status is the run state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// ItemStatus tracks one item through a single phase.
type ItemStatus string

const (
	ItemQueued  ItemStatus = "queued"
	ItemRunning ItemStatus = "running"
	ItemSuccess ItemStatus = "success"
	ItemFailed  ItemStatus = "failed"
	ItemSkipped ItemStatus = "skipped" // publish phase only
)

// TargetType identifies the store entity an item points at.
type TargetType string

const (
	TargetProduct TargetType = "product"
	TargetImage   TargetType = "image"
	TargetArticle TargetType = "article"
)

// JobConfig carries per-job generation settings chosen by the user.
type JobConfig struct {
	// Language is the BCP-47 primary subtag the output must be written in.
	Language string

	// MetaTitle / MetaDescription select which fields the job produces
	// and later publishes. Image-alt jobs ignore both.
	MetaTitle       bool
	MetaDescription bool

	// Hints is the opaque generation-settings payload (brand name, tone,
	// keyword lists, ...) passed through to the generator prompts.
	Hints map[string]string
}

// Job is one durable batch of enrichment work for a tenant.
type Job struct {
	ID     string
	Tenant string
	Type   JobType
	Phase  Phase
	Status Status

	Config JobConfig

	// ApplyOnlyChanged is set per publish invocation, not at creation.
	ApplyOnlyChanged bool

	Total              int
	OKCount            int
	FailedCount        int
	PublishOKCount     int
	PublishFailedCount int
	TotalAttempts      int
	TotalRetryWaitMs   int64

	CreatedAt         time.Time
	StartedAt         *time.Time
	FinishedAt        *time.Time
	PublishStartedAt  *time.Time
	PublishFinishedAt *time.Time
	LastHeartbeatAt   *time.Time

	LockOwner     *string
	LockExpiresAt *time.Time

	UsageReserved bool
	UsageCount    int

	LastError string
}

// LeaseHeld reports whether the job currently holds an unexpired lease.
func (j *Job) LeaseHeld(now time.Time) bool {
	return j.LockOwner != nil && j.LockExpiresAt != nil && j.LockExpiresAt.After(now)
}

// Item is one unit of work inside a job: a single product, image or article.
// Ids are assigned by storage in insertion order; phases replay items in
// ascending id order.
type Item struct {
	ID    int64
	JobID string

	TargetType TargetType
	TargetID   string

	// ParentID is the owning product GID for image items; empty otherwise.
	ParentID string
	Title    string
	MediaID  string
	ImageURL string

	Status         ItemStatus
	StartedAt      *time.Time
	FinishedAt     *time.Time
	Error          string
	GenAttempts    int
	GenRetryWaitMs int64

	// SeoTitle and SeoDescription hold the generated draft. For image items
	// SeoTitle carries the draft alt text and SeoDescription the live alt
	// baseline; use the accessors below instead of reading these directly.
	SeoTitle       string
	SeoDescription string

	PublishStatus      ItemStatus
	PublishedAt        *time.Time
	PublishError       string
	PublishAttempts    int
	PublishRetryWaitMs int64
}

// DraftAlt returns the generated alt text draft of an image item.
func (i *Item) DraftAlt() string { return i.SeoTitle }

// LiveAltBaseline returns the last known live alt text of an image item.
func (i *Item) LiveAltBaseline() string { return i.SeoDescription }

// UsageCounter is the monthly free-tier usage row for a tenant.
type UsageCounter struct {
	Tenant   string
	MonthKey string
	Used     int
}

// MonthKey renders t in loc as the stable YYYY-MM usage bucket key.
func MonthKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01")
}
