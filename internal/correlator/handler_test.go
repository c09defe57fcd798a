package correlator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/secplat/posture-pipeline/internal/apiclient"
	"github.com/secplat/posture-pipeline/internal/correlator"
	"github.com/secplat/posture-pipeline/internal/domain/entity"
	"github.com/secplat/posture-pipeline/internal/events"
	"github.com/secplat/posture-pipeline/internal/queue"
	"github.com/secplat/posture-pipeline/pkg/pipeline"
	"github.com/secplat/posture-pipeline/pkg/stream"
	"github.com/secplat/posture-pipeline/pkg/stream/memstream"
)

// Helper

var errAPI = errors.New("api failure for testing purpose")

type fakeIncidents struct {
	mu       sync.Mutex
	requests []apiclient.IncidentRequest
	failures int
}

func (f *fakeIncidents) CreateIncident(ctx context.Context, req apiclient.IncidentRequest) (entity.Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failures > 0 {
		f.failures--

		return entity.Incident{}, pipeline.NewErrRetryableError(errAPI)
	}

	f.requests = append(f.requests, req)

	return entity.Incident{ID: int64(len(f.requests)), Title: req.Title}, nil
}

func (f *fakeIncidents) Requests() []apiclient.IncidentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]apiclient.IncidentRequest{}, f.requests...)
}

func message(id string, fields map[string]string) stream.Message {
	return stream.Message{Stream: events.StreamCorrelation, ID: id, Fields: fields}
}

// Test Suite

func TestCorrelator(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Correlator test suite")
}

var _ = Describe("Handler", func() {
	var (
		ctx       context.Context
		incidents *fakeIncidents
		handler   correlator.Handler
	)

	BeforeEach(func() {
		ctx = context.Background()
		incidents = &fakeIncidents{}
		handler = correlator.NewHandler(incidents, correlator.Config{DedupeSize: 100, DedupeTTL: time.Hour})
	})

	It("opens an incident per new finding", func() {
		err := handler.Process(ctx, message("1-0", map[string]string{
			events.FieldEventType:  events.TypeFindingCreated,
			events.FieldAssetKey:   "a1",
			events.FieldFindingKey: "fk1",
			events.FieldSeverity:   "high",
		}))
		Expect(err).ToNot(HaveOccurred())

		Expect(incidents.Requests()).To(Equal([]apiclient.IncidentRequest{{
			Title:     "Finding: fk1 on a1",
			Severity:  entity.SeverityHigh,
			AssetKeys: []string{"a1"},
		}}))
	})

	It("defaults the finding severity and key", func() {
		err := handler.Process(ctx, message("1-0", map[string]string{
			events.FieldEventType: events.TypeFindingCreated,
			events.FieldAssetKey:  "a1",
		}))
		Expect(err).ToNot(HaveOccurred())

		Expect(incidents.Requests()[0].Title).To(Equal("Finding: unknown on a1"))
		Expect(incidents.Requests()[0].Severity).To(Equal(entity.SeverityMedium))
	})

	It("opens a high incident for down assets", func() {
		err := handler.Process(ctx, message("1-0", map[string]string{
			events.FieldEventType:  events.TypeAlertTriggered,
			events.FieldDownAssets: `["a1","a2","a3","a4","a5","a6"]`,
		}))
		Expect(err).ToNot(HaveOccurred())

		req := incidents.Requests()[0]
		Expect(req.Title).To(Equal("Assets down: a1, a2, a3, a4, a5 ..."))
		Expect(req.Severity).To(Equal(entity.SeverityHigh))
		Expect(req.AssetKeys).To(HaveLen(6))
	})

	It("suppresses duplicates once created", func() {
		finding := map[string]string{
			events.FieldEventType:  events.TypeFindingCreated,
			events.FieldAssetKey:   "a1",
			events.FieldFindingKey: "fk1",
		}

		Expect(handler.Process(ctx, message("1-0", finding))).To(Succeed())
		Expect(handler.Process(ctx, message("2-0", finding))).To(Succeed())

		alert := map[string]string{
			events.FieldEventType:  events.TypeAlertTriggered,
			events.FieldDownAssets: `["a1"]`,
		}

		Expect(handler.Process(ctx, message("3-0", alert))).To(Succeed())
		Expect(handler.Process(ctx, message("3-0", alert))).To(Succeed(), "redelivery")
		Expect(handler.Process(ctx, message("4-0", alert))).To(Succeed(), "new alert")

		Expect(incidents.Requests()).To(HaveLen(3))
	})

	It("does not record failed creations", func() {
		incidents.failures = 1

		fields := map[string]string{
			events.FieldEventType:  events.TypeFindingCreated,
			events.FieldAssetKey:   "a1",
			events.FieldFindingKey: "fk1",
		}

		err := handler.Process(ctx, message("1-0", fields))
		Expect(err).To(MatchError(errAPI))
		Expect(pipeline.Classify(err)).To(Equal(pipeline.OutcomeRetryable))
		Expect(pipeline.AsProcessingError(err).Category).To(Equal(correlator.IncidentCategory))

		Expect(handler.Process(ctx, message("1-0", fields))).To(Succeed())
		Expect(incidents.Requests()).To(HaveLen(1))
	})

	DescribeTable("rejects invalid events as malformed",
		func(fields map[string]string) {
			err := handler.Process(ctx, message("1-0", fields))
			Expect(pipeline.Classify(err)).To(Equal(pipeline.OutcomeMalformed))
			Expect(incidents.Requests()).To(BeEmpty())
		},
		Entry("missing event type", map[string]string{events.FieldAssetKey: "a1"}),
		Entry("unknown event type", map[string]string{events.FieldEventType: "asset.deleted"}),
		Entry("finding without asset", map[string]string{events.FieldEventType: events.TypeFindingCreated}),
		Entry("alert without assets", map[string]string{events.FieldEventType: events.TypeAlertTriggered, events.FieldDownAssets: "[]"}),
	)
})

var _ = Describe("Correlator consumer", func() {
	It("acks every event once handled", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		clock := clockwork.NewRealClock()
		transport := memstream.New(clock)

		config := queue.DefaultConfig()
		config.RetryDelay = time.Millisecond
		config.MaxRetryDelay = 5 * time.Millisecond
		config.Block = 20 * time.Millisecond

		client := queue.NewClient(transport, clock, config)

		incidents := &fakeIncidents{failures: 2}
		handler := correlator.NewHandler(incidents, correlator.Config{DedupeTTL: time.Hour})

		_, err := client.Publish(ctx, events.StreamCorrelation, events.AlertTriggered{DownAssets: []string{"a2"}}.Fields(), 0)
		Expect(err).ToNot(HaveOccurred())

		_, err = client.Publish(ctx, events.StreamCorrelation, map[string]any{events.FieldEventType: "bogus"}, 0)
		Expect(err).ToNot(HaveOccurred())

		done := make(chan error, 1)

		go func() {
			defer GinkgoRecover()

			done <- client.Consume(ctx, queue.ConsumeOptions{
				Stream:   events.StreamCorrelation,
				Group:    events.GroupCorrelators,
				Consumer: "correlator-test",
				Start:    stream.StartEarliest,
			}, handler, pipeline.ProcessingFunc[pipeline.ErrProcessingError](func(context.Context, pipeline.ErrProcessingError) error {
				return nil
			}))
		}()

		Eventually(incidents.Requests).Should(HaveLen(1))
		Eventually(func() []string {
			return transport.Pending(events.StreamCorrelation, events.GroupCorrelators)
		}).Should(BeEmpty())

		Expect(incidents.Requests()[0].Title).To(Equal("Assets down: a2"))

		cancel()
		Eventually(done).Should(Receive(BeNil()))
	})
})
