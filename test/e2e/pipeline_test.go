package e2e_test

import (
	"context"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/secplat/posture-pipeline/internal/alerting"
	"github.com/secplat/posture-pipeline/internal/apiclient"
	"github.com/secplat/posture-pipeline/internal/correlator"
	"github.com/secplat/posture-pipeline/internal/domain/entity"
	"github.com/secplat/posture-pipeline/internal/domain/repo/postgres"
	"github.com/secplat/posture-pipeline/internal/events"
	"github.com/secplat/posture-pipeline/internal/jobs"
	"github.com/secplat/posture-pipeline/internal/notifier"
	"github.com/secplat/posture-pipeline/internal/posture"
	"github.com/secplat/posture-pipeline/internal/producer"
	"github.com/secplat/posture-pipeline/internal/queue"
	"github.com/secplat/posture-pipeline/internal/scan"
	"github.com/secplat/posture-pipeline/internal/worker"
	"github.com/secplat/posture-pipeline/pkg/pipeline"
	"github.com/secplat/posture-pipeline/pkg/stream"
	"github.com/secplat/posture-pipeline/pkg/stream/memstream"
	"github.com/secplat/posture-pipeline/test/e2e"
)

func intPtr(i int) *int {
	return &i
}

var _ = Describe("Posture pipeline", func() {
	var (
		ctx       context.Context
		clock     clockwork.Clock
		transport *memstream.Transport
		client    queue.Client
		p         producer.Producer
		api       *e2e.IncidentAPI
		slack     *e2e.Webhook

		assets   postgres.AssetRepo
		findings postgres.FindingRepo
		jobRepo  postgres.JobRepo
	)

	// consume runs a consumer until the end of the test.
	consume := func(opts queue.ConsumeOptions, handler pipeline.Processing[stream.Message]) {
		consumerCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)

		go func() {
			done <- client.Consume(consumerCtx, opts, handler, nil)
		}()

		DeferCleanup(func() {
			cancel()
			Eventually(done).WithTimeout(5 * time.Second).Should(Receive(BeNil()))
		})
	}

	BeforeEach(func() {
		ctx = context.Background()
		clock = clockwork.NewRealClock()
		transport = memstream.New(clock)

		config := queue.DefaultConfig()
		config.RetryDelay = time.Millisecond
		config.MaxRetryDelay = 10 * time.Millisecond
		config.Block = 20 * time.Millisecond

		client = queue.NewClient(transport, clock, config)
		p = producer.New(client, clock)

		api = e2e.NewIncidentAPI()
		DeferCleanup(api.Server.Close)

		slack = e2e.NewWebhook()
		DeferCleanup(slack.Server.Close)

		assets = postgres.NewAssetRepo(database.Pool)
		findings = postgres.NewFindingRepo(database.Pool)
		jobRepo = postgres.NewJobRepo(database.Pool)

		incidents := apiclient.NewClient(apiclient.Config{URL: api.Server.URL, Username: "admin", Password: "admin"}, apiclient.NewTokenCache(clock, time.Minute))

		consume(queue.ConsumeOptions{
			Stream:   events.StreamCorrelation,
			Group:    events.GroupCorrelators,
			Consumer: "correlator-1",
			Start:    stream.StartEarliest,
		}, correlator.NewHandler(incidents, correlator.Config{}))

		consume(queue.ConsumeOptions{
			Stream:   events.StreamNotify,
			Group:    events.GroupNotifiers,
			Consumer: "notifier-1",
			Start:    stream.StartEarliest,
		}, notifier.NewHandler(notifier.NewSlackSender(slack.Server.URL, http.DefaultClient)))
	})

	It("derives posture and alerts on newly down assets", func() {
		healthEvents := postgres.NewHealthEventRepo(database.Pool)
		statuses := postgres.NewPostureRepo(database.Pool)

		for _, key := range []string{"a1", "a2"} {
			_, err := assets.UpsertAsset(ctx, entity.Asset{AssetKey: key, Name: key, Type: entity.AssetTypeExternalWeb})
			Expect(err).ToNot(HaveOccurred())
		}

		now := clock.Now().UTC()

		Expect(healthEvents.WriteHealthEvent(ctx, entity.HealthEvent{AssetKey: "a1", Timestamp: now.Add(-301 * time.Second), Status: "up", Code: intPtr(200)})).To(Succeed())
		Expect(healthEvents.WriteHealthEvent(ctx, entity.HealthEvent{AssetKey: "a2", Timestamp: now.Add(-5 * time.Second), Status: "down", Code: intPtr(503)})).To(Succeed())

		deriver, err := posture.NewDeriver(assets, healthEvents, statuses, clock, prometheus.NewRegistry(), posture.Config{StaleThreshold: 300 * time.Second})
		Expect(err).ToNot(HaveOccurred())

		deriver = deriver.WithObservers(alerting.NewDetector(p))

		Expect(deriver.Cycle(ctx)).To(Succeed())

		derived, err := statuses.GetPostureStatuses(ctx)
		Expect(err).ToNot(HaveOccurred())

		Expect(derived["a1"].Status).To(Equal(entity.StatusStale))
		Expect(derived["a1"].PostureState).To(Equal(entity.PostureAmber))
		Expect(derived["a1"].PostureScore).To(Equal(60))
		Expect(derived["a2"].Status).To(Equal(entity.StatusDown))
		Expect(derived["a2"].PostureState).To(Equal(entity.PostureRed))
		Expect(derived["a2"].PostureScore).To(Equal(0))

		Eventually(api.Incidents).Should(ConsistOf(And(
			HaveField("Title", "Assets down: a2"),
			HaveField("Severity", "high"),
			HaveField("AssetKeys", []string{"a2"}),
		)))
		Eventually(slack.Bodies).Should(ConsistOf(ContainSubstring("1 asset(s) down: a2")))

		// a2 is still down: no new alert
		Expect(deriver.Cycle(ctx)).To(Succeed())
		Consistently(api.Incidents).WithTimeout(200 * time.Millisecond).Should(HaveLen(1))

		Eventually(func() []string {
			return transport.Pending(events.StreamCorrelation, events.GroupCorrelators)
		}).Should(BeEmpty())
	})

	It("runs a scan job and turns new findings into incidents", func() {
		target := e2e.NewTarget()
		DeferCleanup(target.Close)

		asset, err := assets.UpsertAsset(ctx, entity.Asset{AssetKey: "a3", Name: "site", Type: entity.AssetTypeExternalWeb, Address: target.URL, Verified: true})
		Expect(err).ToNot(HaveOccurred())

		service := jobs.NewService(jobRepo, assets, p)

		job, err := service.Create(ctx, entity.JobTypeWebExposure, &asset.ID, "e2e")
		Expect(err).ToNot(HaveOccurred())
		Expect(job.Status).To(Equal(entity.JobQueued))

		w, err := worker.New(
			client,
			jobRepo,
			assets,
			scan.NewScanner(clock, scan.Config{RequestTimeout: 5 * time.Second}),
			scan.NewRecorder(findings, p),
			clock,
			prometheus.NewRegistry(),
			worker.Config{
				Consumer:                  "worker-1",
				Block:                     20 * time.Millisecond,
				PollInterval:              20 * time.Millisecond,
				ErrorDelay:                20 * time.Millisecond,
				MaxScanDuration:           10 * time.Second,
				RequireDomainVerification: true,
			},
		)
		Expect(err).ToNot(HaveOccurred())

		worked, err := w.Step(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(worked).To(BeTrue())

		done, err := jobRepo.GetJob(ctx, job.JobID)
		Expect(err).ToNot(HaveOccurred())
		Expect(done.Status).To(Equal(entity.JobDone))
		Expect(done.LogOutput).To(ContainSubstring("Scan completed"))

		var stored int

		err = database.Pool.QueryRow(ctx, "SELECT count(*) FROM findings WHERE asset_key = 'a3'").Scan(&stored)
		Expect(err).ToNot(HaveOccurred())
		Expect(stored).To(BeNumerically(">", 0))

		Eventually(api.Incidents).Should(HaveLen(stored))
		Expect(api.Incidents()).To(ContainElement(HaveField("Title", HaveSuffix(" on a3"))))

		// A retried job finds the same findings: nothing new to announce
		_, err = service.Retry(ctx, job.JobID)
		Expect(err).ToNot(HaveOccurred())

		worked, err = w.Step(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(worked).To(BeTrue())

		Consistently(api.Incidents).WithTimeout(200 * time.Millisecond).Should(HaveLen(stored))
	})
})
