package entity

import "time"

type Asset struct {
	ID          int64
	AssetKey    string
	Name        string
	Type        string
	Environment string
	Criticality int
	Owner       string
	OwnerTeam   string
	Address     string
	Verified    bool
}

const (
	AssetTypeExternalWeb = "external_web"

	DefaultEnvironment = "dev"
	DefaultCriticality = 3
)

type HealthEvent struct {
	AssetKey  string
	Timestamp time.Time
	Status    string
	Code      *int
	LatencyMs *int
}

type Status string

const (
	StatusUp      Status = "up"
	StatusDown    Status = "down"
	StatusStale   Status = "stale"
	StatusUnknown Status = "unknown"
)

// StatusNum is the numeric form of a Status, used to detect state changes.
func (s Status) StatusNum() int {
	switch s {
	case StatusUp:
		return 1
	case StatusStale:
		return 0
	case StatusDown:
		return -2
	}

	return -1
}

type PostureState string

const (
	PostureGreen PostureState = "green"
	PostureAmber PostureState = "amber"
	PostureRed   PostureState = "red"
)

// PostureStatus is the derived, per asset status document.
type PostureStatus struct {
	AssetKey    string
	Name        string
	Type        string
	Environment string
	Criticality int
	Owner       string
	OwnerTeam   string

	Status           Status
	StatusNum        int
	Code             *int
	LatencyMs        *int
	LastSeen         *time.Time
	StalenessSeconds *int64
	PostureScore     int
	PostureState     PostureState
	LastStatusChange time.Time
	DerivedAt        time.Time
}

type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

const JobTypeWebExposure = "web_exposure"

type ScanJob struct {
	JobID         int64
	JobType       string
	TargetAssetID *int64
	RequestedBy   string
	Status        JobStatus
	RetryCount    int
	Error         string
	LogOutput     string
	CreatedAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}

	return false
}

type Finding struct {
	FindingKey  string
	AssetID     int64
	AssetKey    string
	Category    string
	Title       string
	Severity    Severity
	Confidence  string
	Evidence    string
	Remediation string
	Source      string
}

type IncidentStatus string

const (
	IncidentNew       IncidentStatus = "new"
	IncidentTriaged   IncidentStatus = "triaged"
	IncidentContained IncidentStatus = "contained"
	IncidentResolved  IncidentStatus = "resolved"
	IncidentClosed    IncidentStatus = "closed"
)

type Incident struct {
	ID        int64
	Title     string
	Severity  Severity
	Status    IncidentStatus
	AssetKeys []string
}
