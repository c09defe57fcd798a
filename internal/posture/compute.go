package posture

import (
	"strings"
	"time"

	"github.com/secplat/posture-pipeline/internal/domain/entity"
)

const (
	scoreGreen = 100
	scoreAmber = 60
	scoreRed   = 0
)

// Compute derives the status document of asset from its newest health event, if any.
// previous is the document of the last pass and only drives last status change tracking.
func Compute(asset entity.Asset, event *entity.HealthEvent, previous *entity.PostureStatus, now time.Time, staleThreshold time.Duration) entity.PostureStatus {
	ret := entity.PostureStatus{
		AssetKey:    asset.AssetKey,
		Name:        asset.Name,
		Type:        asset.Type,
		Environment: asset.Environment,
		Criticality: asset.Criticality,
		Owner:       asset.Owner,
		OwnerTeam:   asset.OwnerTeam,
		Status:      entity.StatusUnknown,
		DerivedAt:   now,
	}

	if ret.Environment == "" {
		ret.Environment = entity.DefaultEnvironment
	}

	if ret.Criticality == 0 {
		ret.Criticality = entity.DefaultCriticality
	}

	var staleness int64

	if event != nil && !event.Timestamp.IsZero() {
		lastSeen := event.Timestamp
		age := now.Sub(lastSeen)

		ret.Code = event.Code
		ret.LatencyMs = event.LatencyMs
		ret.LastSeen = &lastSeen

		switch {
		case age > staleThreshold:
			ret.Status = entity.StatusStale
		case isSuccess(event):
			ret.Status = entity.StatusUp
		default:
			ret.Status = entity.StatusDown
		}

		staleness = max(int64(age/time.Second), 0)
	}

	ret.StatusNum = ret.Status.StatusNum()
	ret.StalenessSeconds = &staleness

	switch {
	case ret.StatusNum < 0:
		ret.PostureScore, ret.PostureState = scoreRed, entity.PostureRed
	case time.Duration(staleness)*time.Second > staleThreshold:
		ret.PostureScore, ret.PostureState = scoreAmber, entity.PostureAmber
	default:
		ret.PostureScore, ret.PostureState = scoreGreen, entity.PostureGreen
	}

	ret.LastStatusChange = lastStatusChange(ret, previous, now)

	return ret
}

func isSuccess(event *entity.HealthEvent) bool {
	if event.Code != nil && *event.Code >= 200 && *event.Code < 300 {
		return true
	}

	return strings.EqualFold(strings.TrimSpace(event.Status), string(entity.StatusUp))
}

// lastStatusChange carries the previous value forward unless status_num moved.
// The change is dated by the newest event, or by now when there is none.
func lastStatusChange(current entity.PostureStatus, previous *entity.PostureStatus, now time.Time) time.Time {
	changedAt := now
	if current.LastSeen != nil {
		changedAt = *current.LastSeen
	}

	if previous == nil || previous.LastStatusChange.IsZero() {
		return changedAt
	}

	if previous.StatusNum != current.StatusNum {
		return changedAt
	}

	return previous.LastStatusChange
}
