package types

import "time"

// TenantContext carries the identity and policy scope a gateway request
// is evaluated under. It is threaded alongside context.Context (see
// WithTenantID) rather than replacing it, since callers frequently need
// the tenant identity before a context.Context exists (config loading,
// offline scoring tests).
type TenantContext struct {
	TenantID         string            `json:"tenant_id"`
	PreferredModelID string            `json:"preferred_model_id,omitempty"`
	AllowedModelIDs  []string          `json:"allowed_model_ids,omitempty"`
	Tags             map[string]string `json:"tags,omitempty"`
}

// Allows reports whether the tenant's policy permits the given model id.
// An empty allow-list means no restriction.
func (t *TenantContext) Allows(modelID string) bool {
	if t == nil || len(t.AllowedModelIDs) == 0 {
		return true
	}
	for _, id := range t.AllowedModelIDs {
		if id == modelID {
			return true
		}
	}
	return false
}

// RunnerSpec describes a local execution backend capable of serving a
// model artifact without a network hop (e.g. a llama.cpp GGUF runner).
type RunnerSpec struct {
	Name       string            `json:"name"`
	Format     string            `json:"format"` // "gguf", "onnx", ...
	BinaryPath string            `json:"binary_path,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

// ModelVersion is one resolvable artifact of a ModelManifest.
type ModelVersion struct {
	Version      string            `json:"version"`
	ProviderID   string            `json:"provider_id"`
	Format       string            `json:"format"` // wire format the provider speaks: "openai-chat", "anthropic-messages", "gguf", ...
	ArtifactPath string            `json:"artifact_path,omitempty"`
	Runner       *RunnerSpec       `json:"runner,omitempty"`
	Deprecated   bool              `json:"deprecated,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ModelManifest is the routable identity a caller requests by id: a
// model name that may resolve to several versions, each potentially
// served by a different provider or runtime.
type ModelManifest struct {
	ID                string                  `json:"id"`
	DisplayName       string                  `json:"display_name,omitempty"`
	Versions          map[string]*ModelVersion `json:"versions"`
	DefaultVersion     string                  `json:"default_version"`
	SupportsStreaming  bool                    `json:"supports_streaming"`
	SupportsTools      bool                    `json:"supports_tools"`
	CostPerInputToken  float64                 `json:"cost_per_input_token,omitempty"`
	CostPerOutputToken float64                 `json:"cost_per_output_token,omitempty"`
	Local              bool                    `json:"local"`
}

// Resolve returns the requested version, or the manifest's default
// version when version is empty.
func (m *ModelManifest) Resolve(version string) (*ModelVersion, bool) {
	if m == nil {
		return nil, false
	}
	if version == "" {
		version = m.DefaultVersion
	}
	v, ok := m.Versions[version]
	return v, ok
}

// RoutingStrategy selects how the router picks among viable candidates.
type RoutingStrategy string

const (
	StrategyDefault      RoutingStrategy = "default"
	StrategyUserSelected RoutingStrategy = "user_selected"
)

// InferenceRequest is the gateway-facing request, a superset of a raw
// provider ChatRequest with routing and tenancy concerns attached.
type InferenceRequest struct {
	RequestID   string
	Tenant      *TenantContext
	ModelID     string
	ModelVersion string
	Strategy    RoutingStrategy
	DeviceHint  string // e.g. "cpu", "gpu", "local" - used for device-compatibility scoring
	Deadline    time.Time
}

// RoutingDecision records the outcome of a routing pass: the selected
// candidate plus up to two ordered fallbacks, and the scores that led
// to the choice (kept for observability/debugging, not re-scored on
// fallback - a fallback is attempted as-is if the primary fails).
type RoutingDecision struct {
	Primary       RoutingCandidate
	Fallbacks     []RoutingCandidate
	EvaluatedAt   time.Time
}

// RoutingCandidate is one scored (provider, model version) pairing.
type RoutingCandidate struct {
	ProviderID   string
	ModelVersion *ModelVersion
	Score        float64
	Reasons      []string
}

// JobStatus is the terminal/non-terminal lifecycle state of an async
// request or batch job.
type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// IsTerminal reports whether the status will never transition further.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// AsyncJob tracks a single SubmitAsync request. Response is opaque here
// (typed as any) because the concrete ChatResponse type lives in the llm
// package, which imports types - a direct reference would cycle.
type AsyncJob struct {
	ID        string
	TenantID  string
	Status    JobStatus
	Request   *InferenceRequest
	Response  any
	Err       *Error
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BatchJob tracks a bounded-concurrency batch of inference requests
// submitted together. Only status and counters are retained past
// completion; request/response payloads are not retained by the job
// record itself.
type BatchJob struct {
	ID              string
	TenantID        string
	Total           int
	Completed       int
	Failed          int
	MaxConcurrency  int
	Status          JobStatus
	ItemStatuses    []JobStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Done reports whether every item has reached a terminal state.
func (b *BatchJob) Done() bool {
	return b.Completed+b.Failed >= b.Total
}
