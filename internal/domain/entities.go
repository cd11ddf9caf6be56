// Package domain defines the core entities and ports of the diagram
// generation broker: jobs, subjects, usage records, status events, and the
// interfaces the adapters implement.
package domain

import (
	"context"
	"time"
)

// Tier is a subject's service class. It drives quota caps and dispatch
// priority. The set is ordered: T0 < T1 < T2 < T3.
type Tier string

// Known tiers, lowest to highest.
const (
	TierT0 Tier = "t0"
	TierT1 Tier = "t1"
	TierT2 Tier = "t2"
	TierT3 Tier = "t3"
)

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierT0, TierT1, TierT2, TierT3:
		return true
	}
	return false
}

// Subject is the authenticated principal a job is billed against.
type Subject struct {
	Key  string
	Tier Tier
}

// Diagram styles (icon families).
const (
	StyleAzure   = "azure"
	StyleAWS     = "aws"
	StyleGCP     = "gcp"
	StyleK8s     = "k8s"
	StyleGeneric = "generic"
)

// Diagram quality levels; roughly 5-8 / 8-15 / 15+ target nodes.
const (
	QualitySimple     = "simple"
	QualityStandard   = "standard"
	QualityEnterprise = "enterprise"
)

// Diagram output emphases.
const (
	DiagramTypeRaster   = "raster"
	DiagramTypeExchange = "exchange-document"
)

// MaxPromptBytes bounds the free-text prompt of a submission.
const MaxPromptBytes = 8 * 1024

// DiagramSpec is the opaque request payload of a job: a free-text prompt (or
// a template reference) plus a bounded set of enumerated options. Unknown
// submit fields are dropped before a spec is constructed.
type DiagramSpec struct {
	Prompt       string `json:"prompt"`
	TemplateID   string `json:"template_id,omitempty"`
	Style        string `json:"style"`
	Quality      string `json:"quality"`
	DiagramType  string `json:"diagram_type"`
	OutputFormat string `json:"output_format"`
}

// JobState enumerates the lifecycle states of a job.
type JobState string

// Job lifecycle states.
const (
	JobQueued     JobState = "queued"
	JobDispatched JobState = "dispatched"
	JobInProgress JobState = "in_progress"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
	JobCancelled  JobState = "cancelled"
)

// Terminal reports whether s is a terminal state. Terminal states are
// monotonic: no transition ever leaves them.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Artifact is the result bundle of a completed job: a rendered raster image
// (base64 for transport), the generated diagram source, and an optional
// editable exchange document. TokensIn/TokensOut are the measured usage of
// the LLM call that produced the source.
type Artifact struct {
	RasterB64   string `json:"raster_b64"`
	RasterMIME  string `json:"raster_mime"`
	Source      string `json:"source"`
	ExchangeXML string `json:"exchange_xml,omitempty"`
	TokensIn    int64  `json:"tokens_in"`
	TokensOut   int64  `json:"tokens_out"`
}

// TokensConsumed is the total token usage of the generation call.
func (a Artifact) TokensConsumed() int64 { return a.TokensIn + a.TokensOut }

// Job is the unit of work accepted by the broker.
//
// Invariants:
//   - ID is unique, never reused, and monotonically time-ordered (ULID).
//   - Subject and Tier are snapshotted at admission; later subject changes do
//     not affect in-flight jobs.
//   - Attempts never decreases, including across restarts.
//   - Result is set iff State == JobCompleted; ErrorKind/ErrorMsg are set iff
//     State == JobFailed.
type Job struct {
	ID          string
	Subject     string
	Tier        Tier
	Spec        DiagramSpec
	State       JobState
	Priority    int
	Attempts    int
	SubmittedAt time.Time
	AdmittedAt  time.Time
	UpdatedAt   time.Time
	Result      *Artifact
	ErrorKind   ErrorKind
	ErrorMsg    string
}

// UsageRecord is one immutable ledger entry, written when a job reaches
// Completed or non-retryable Failed. Cost is derived purely from token counts
// via the fixed price table.
type UsageRecord struct {
	Subject       string
	JobID         string
	Timestamp     time.Time
	TokensIn      int64
	TokensOut     int64
	Success       bool
	ErrorKind     ErrorKind
	EstimatedCost float64
}

// EventKind enumerates status bus event kinds, one per state transition.
type EventKind string

// Status event kinds.
const (
	EventQueued     EventKind = "queued"
	EventDispatched EventKind = "dispatched"
	EventInProgress EventKind = "in-progress"
	EventRetry      EventKind = "retry"
	EventCompleted  EventKind = "completed"
	EventFailed     EventKind = "failed"
	EventCancelled  EventKind = "cancelled"
)

// Terminal reports whether k ends a job's event stream.
func (k EventKind) Terminal() bool {
	return k == EventCompleted || k == EventFailed || k == EventCancelled
}

// Event is a single job status transition published on the status bus.
type Event struct {
	JobID     string         `json:"job_id"`
	Kind      EventKind      `json:"kind"`
	Attempt   int            `json:"attempt,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// JobRepository persists jobs. State transitions must be atomic: a
// reader never observes Completed without a result or Failed without an
// error. Implementations must refuse transitions out of terminal states.
type JobRepository interface {
	Create(ctx context.Context, j Job) error
	Get(ctx context.Context, id string) (Job, error)
	// UpdateState moves a non-terminal job to a non-terminal state and
	// records the attempt counter.
	UpdateState(ctx context.Context, id string, state JobState, attempts int) error
	// Complete atomically sets state=completed and stores the artifact.
	Complete(ctx context.Context, id string, res Artifact) error
	// Fail atomically sets state=failed with the error kind and message.
	Fail(ctx context.Context, id string, kind ErrorKind, msg string) error
	// MarkCancelled transitions a non-terminal job to cancelled. It reports
	// whether this call performed the transition, which makes cancel
	// idempotent: exactly one caller observes true.
	MarkCancelled(ctx context.Context, id string) (bool, error)
	// ListActive returns every non-terminal job, ordered by priority desc,
	// admitted_at asc.
	ListActive(ctx context.Context) ([]Job, error)
	// CountActiveBySubject returns the live count of non-terminal jobs for a
	// subject.
	CountActiveBySubject(ctx context.Context, subject string) (int, error)
	// CountAdmittedSince counts jobs of a subject admitted at or after the
	// window boundary.
	CountAdmittedSince(ctx context.Context, subject string, since time.Time) (int64, error)
}

// UsageRepository is the append-only usage ledger.
type UsageRepository interface {
	Append(ctx context.Context, rec UsageRecord) error
	// TokensSince sums token usage of a subject at or after the window
	// boundary.
	TokensSince(ctx context.Context, subject string, since time.Time) (int64, error)
	// GetByJobID returns the ledger entry for a job, if any.
	GetByJobID(ctx context.Context, jobID string) (UsageRecord, error)
}

// EventBus publishes job status events to in-process subscribers.
// Publishing never blocks on slow subscribers.
type EventBus interface {
	Publish(ctx context.Context, ev Event)
	// Subscribe returns a channel of events for one job and a cancel
	// function. The channel is closed after a terminal event or on cancel.
	Subscribe(jobID string) (<-chan Event, func())
}

// Generation is the LLM response envelope relevant to the broker: the
// concatenated text segments plus measured token usage.
type Generation struct {
	Text      string
	Model     string
	TokensIn  int64
	TokensOut int64
}

// DiagramGenerator is the outbound LLM port. Implementations classify
// failures with the domain sentinels so the executor can decide retryability.
type DiagramGenerator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (Generation, error)
}

// RenderInput carries the LLM-produced source plus enumerated parameters to
// the renderer.
type RenderInput struct {
	RequestID    string
	Source       string
	Style        string
	Quality      string
	DiagramType  string
	OutputFormat string
}

// RenderOutput is the renderer's artifact set. Raster is always present on
// success; Source and ExchangeXML are optional.
type RenderOutput struct {
	Raster      []byte
	RasterMIME  string
	Source      string
	ExchangeXML string
}

// Renderer drives the local rendering toolchain (a sandboxed child process).
type Renderer interface {
	Render(ctx context.Context, in RenderInput) (RenderOutput, error)
}
