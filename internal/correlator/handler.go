package correlator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/secplat/posture-pipeline/internal/apiclient"
	"github.com/secplat/posture-pipeline/internal/common"
	"github.com/secplat/posture-pipeline/internal/domain/entity"
	"github.com/secplat/posture-pipeline/internal/events"
	"github.com/secplat/posture-pipeline/pkg/stream"
)

const (
	alertTitleAssets = 5

	// IncidentCategory is the processing error category of failed incident creations.
	IncidentCategory = "incident"
)

type IncidentCreator interface {
	CreateIncident(ctx context.Context, req apiclient.IncidentRequest) (entity.Incident, error)
}

type Config struct {
	DedupeSize int
	DedupeTTL  time.Duration
}

// Handler turns correlation events into incidents.
type Handler struct {
	logger *logr.Logger

	incidents IncidentCreator
	seen      *expirable.LRU[string, struct{}]
}

func NewHandler(incidents IncidentCreator, config Config) Handler {
	size := config.DedupeSize
	if size <= 0 {
		size = 10_000
	}

	return Handler{
		incidents: incidents,
		seen:      expirable.NewLRU[string, struct{}](size, nil, config.DedupeTTL),
	}
}

func (h Handler) WithLogger(logger logr.Logger) Handler {
	h.logger = &logger

	return h
}

func (h Handler) Process(ctx context.Context, msg stream.Message) error {
	event, err := events.DecodeCorrelationEvent(msg)
	if err != nil {
		return err
	}

	var (
		key string
		req apiclient.IncidentRequest
	)

	switch {
	case event.FindingCreated != nil:
		e := event.FindingCreated
		key = fmt.Sprintf("finding:%s:%s", e.AssetKey, e.FindingKey)
		req = apiclient.IncidentRequest{
			Title:     FindingTitle(e.AssetKey, e.FindingKey),
			Severity:  e.Severity,
			AssetKeys: []string{e.AssetKey},
		}

		// Without a finding key two findings of the same asset cannot be told apart
		if e.FindingKey == "" {
			key = ""
		}
	case event.AlertTriggered != nil:
		key = "alert:" + msg.ID
		req = apiclient.IncidentRequest{
			Title:     AlertTitle(event.AlertTriggered.DownAssets),
			Severity:  entity.SeverityHigh,
			AssetKeys: event.AlertTriggered.DownAssets,
		}
	}

	if key != "" && h.seen.Contains(key) {
		h.logInfo(1, "Duplicate event, skipping", "type", event.Type, "key", key)

		return nil
	}

	incident, err := h.incidents.CreateIncident(ctx, req)
	if err != nil {
		inputs := common.FieldInputs("incident", map[string]string{
			"title":    req.Title,
			"severity": string(req.Severity),
			"assets":   strings.Join(req.AssetKeys, ","),
		})

		return common.NewErrProcessingError(err, IncidentCategory, inputs, "failed to create incident for %s", event.Type)
	}

	if key != "" {
		h.seen.Add(key, struct{}{})
	}

	h.logInfo(1, "Created incident", "type", event.Type, "id", incident.ID, "title", req.Title, "assets", len(req.AssetKeys))

	return nil
}

func FindingTitle(assetKey, findingKey string) string {
	if findingKey == "" {
		findingKey = "unknown"
	}

	return fmt.Sprintf("Finding: %s on %s", findingKey, assetKey)
}

// AlertTitle lists the first down assets only.
func AlertTitle(downAssets []string) string {
	if len(downAssets) <= alertTitleAssets {
		return "Assets down: " + strings.Join(downAssets, ", ")
	}

	return "Assets down: " + strings.Join(downAssets[:alertTitleAssets], ", ") + " ..."
}

func (h Handler) logInfo(level int, msg string, keysAndValues ...any) {
	if h.logger == nil {
		return
	}

	h.logger.V(level).Info(msg, keysAndValues...)
}
