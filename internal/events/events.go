package events

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/secplat/posture-pipeline/internal/domain/entity"
	"github.com/secplat/posture-pipeline/pkg/pipeline"
	"github.com/secplat/posture-pipeline/pkg/stream"
)

const (
	StreamScan        = "secplat.jobs.scan"
	StreamCorrelation = "secplat.events.correlation"
	StreamNotify      = "secplat.events.notify"

	GroupCorrelators = "correlators"
	GroupNotifiers   = "notifiers"
	GroupWorkers     = "workers"
)

// MaxLen returns the approximate cap of streamName.
func MaxLen(streamName string) int64 {
	switch {
	case streamName == StreamScan:
		return 100_000
	case streamName == StreamCorrelation:
		return 50_000
	case streamName == StreamNotify:
		return 10_000
	case strings.HasSuffix(streamName, ".dlq"):
		return 10_000
	}

	return 100_000
}

const (
	TypeFindingCreated = "finding.created"
	TypeAlertTriggered = "alert.triggered"
	TypeDownAssets     = "down_assets"
)

// Wire fields
const (
	FieldEventType     = "event_type"
	FieldType          = "type"
	FieldTimestamp     = "ts"
	FieldAssetKey      = "asset_key"
	FieldFindingKey    = "finding_key"
	FieldSeverity      = "severity"
	FieldDownAssets    = "down_assets"
	FieldJobID         = "job_id"
	FieldJobType       = "job_type"
	FieldTargetAssetID = "target_asset_id"
	FieldRequestedBy   = "requested_by"
)

var (
	ErrUnknownType  = errors.New("unknown event type")
	ErrMissingField = errors.New("missing field")
	ErrInvalidField = errors.New("invalid field")
)

// Correlation events

type FindingCreated struct {
	AssetKey   string
	FindingKey string
	Severity   entity.Severity
	Timestamp  time.Time
}

func (e FindingCreated) Fields() map[string]any {
	ret := map[string]any{
		FieldEventType: TypeFindingCreated,
		FieldTimestamp: formatTime(e.Timestamp),
		FieldAssetKey:  e.AssetKey,
	}

	if e.FindingKey != "" {
		ret[FieldFindingKey] = e.FindingKey
	}

	if e.Severity != "" {
		ret[FieldSeverity] = string(e.Severity)
	}

	return ret
}

type AlertTriggered struct {
	DownAssets []string
	Timestamp  time.Time
}

func (e AlertTriggered) Fields() map[string]any {
	return map[string]any{
		FieldEventType:  TypeAlertTriggered,
		FieldTimestamp:  formatTime(e.Timestamp),
		FieldDownAssets: e.DownAssets,
	}
}

// CorrelationEvent is either a FindingCreated or an AlertTriggered.
type CorrelationEvent struct {
	Type           string
	FindingCreated *FindingCreated
	AlertTriggered *AlertTriggered
}

func DecodeCorrelationEvent(msg stream.Message) (CorrelationEvent, error) {
	eventType := strings.TrimSpace(msg.Fields[FieldEventType])

	switch eventType {
	case "":
		return CorrelationEvent{}, malformed(msg, fmt.Errorf("%w: %s", ErrMissingField, FieldEventType))
	case TypeFindingCreated:
		e, err := decodeFindingCreated(msg)
		if err != nil {
			return CorrelationEvent{}, malformed(msg, err)
		}

		return CorrelationEvent{Type: eventType, FindingCreated: &e}, nil
	case TypeAlertTriggered:
		e, err := decodeAlertTriggered(msg)
		if err != nil {
			return CorrelationEvent{}, malformed(msg, err)
		}

		return CorrelationEvent{Type: eventType, AlertTriggered: &e}, nil
	}

	return CorrelationEvent{}, malformed(msg, fmt.Errorf("%w: %q", ErrUnknownType, eventType))
}

func decodeFindingCreated(msg stream.Message) (FindingCreated, error) {
	assetKey := strings.TrimSpace(msg.Fields[FieldAssetKey])
	if assetKey == "" {
		return FindingCreated{}, fmt.Errorf("%w: %s", ErrMissingField, FieldAssetKey)
	}

	severity := entity.Severity(strings.ToLower(strings.TrimSpace(msg.Fields[FieldSeverity])))
	if severity == "" {
		severity = entity.SeverityMedium
	}

	if !severity.Valid() {
		return FindingCreated{}, fmt.Errorf("%w: %s=%q", ErrInvalidField, FieldSeverity, severity)
	}

	return FindingCreated{
		AssetKey:   assetKey,
		FindingKey: strings.TrimSpace(msg.Fields[FieldFindingKey]),
		Severity:   severity,
		Timestamp:  parseTime(msg.Fields[FieldTimestamp]),
	}, nil
}

func decodeAlertTriggered(msg stream.Message) (AlertTriggered, error) {
	assets, err := ParseAssetList(msg.Fields[FieldDownAssets])
	if err != nil {
		return AlertTriggered{}, err
	}

	if len(assets) == 0 {
		return AlertTriggered{}, fmt.Errorf("%w: %s", ErrMissingField, FieldDownAssets)
	}

	return AlertTriggered{
		DownAssets: assets,
		Timestamp:  parseTime(msg.Fields[FieldTimestamp]),
	}, nil
}

// Notifications

type DownAssetsNotification struct {
	DownAssets []string
}

func (e DownAssetsNotification) Fields() map[string]any {
	return map[string]any{
		FieldType:       TypeDownAssets,
		FieldDownAssets: e.DownAssets,
	}
}

func DecodeNotification(msg stream.Message) (DownAssetsNotification, error) {
	msgType := strings.TrimSpace(msg.Fields[FieldType])
	if msgType != TypeDownAssets {
		return DownAssetsNotification{}, malformed(msg, fmt.Errorf("%w: %q", ErrUnknownType, msgType))
	}

	assets, err := ParseAssetList(msg.Fields[FieldDownAssets])
	if err != nil {
		return DownAssetsNotification{}, malformed(msg, err)
	}

	if len(assets) == 0 {
		return DownAssetsNotification{}, malformed(msg, fmt.Errorf("%w: %s", ErrMissingField, FieldDownAssets))
	}

	return DownAssetsNotification{DownAssets: assets}, nil
}

// Scan jobs

type ScanJobRequested struct {
	JobID         int64
	JobType       string
	TargetAssetID *int64
	RequestedBy   string
}

func (e ScanJobRequested) Fields() map[string]any {
	target := ""
	if e.TargetAssetID != nil {
		target = strconv.FormatInt(*e.TargetAssetID, 10)
	}

	return map[string]any{
		FieldJobID:         strconv.FormatInt(e.JobID, 10),
		FieldJobType:       e.JobType,
		FieldTargetAssetID: target,
		FieldRequestedBy:   e.RequestedBy,
	}
}

func DecodeScanJobRequested(msg stream.Message) (ScanJobRequested, error) {
	rawID := strings.TrimSpace(msg.Fields[FieldJobID])
	if rawID == "" {
		return ScanJobRequested{}, malformed(msg, fmt.Errorf("%w: %s", ErrMissingField, FieldJobID))
	}

	jobID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || jobID <= 0 {
		return ScanJobRequested{}, malformed(msg, fmt.Errorf("%w: %s=%q", ErrInvalidField, FieldJobID, rawID))
	}

	ret := ScanJobRequested{
		JobID:       jobID,
		JobType:     strings.TrimSpace(msg.Fields[FieldJobType]),
		RequestedBy: msg.Fields[FieldRequestedBy],
	}

	rawTarget := strings.TrimSpace(msg.Fields[FieldTargetAssetID])
	if rawTarget != "" {
		target, err := strconv.ParseInt(rawTarget, 10, 64)
		if err != nil {
			return ScanJobRequested{}, malformed(msg, fmt.Errorf("%w: %s=%q", ErrInvalidField, FieldTargetAssetID, rawTarget))
		}

		ret.TargetAssetID = &target
	}

	return ret, nil
}

func malformed(msg stream.Message, err error) error {
	return pipeline.NewMalformedErrProcessingError(err, nil).WithMessage(msg)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime is lenient: the timestamp is informational only.
func parseTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}

	return t
}
