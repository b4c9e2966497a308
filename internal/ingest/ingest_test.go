package ingest_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"hookrelay.io/relay/common/id"
	"hookrelay.io/relay/internal/ingest"
	"hookrelay.io/relay/internal/metrics"
	"hookrelay.io/relay/internal/model"
	"hookrelay.io/relay/internal/queue"
	"hookrelay.io/relay/internal/store"
)

var _ = Describe("IngestService", func() {
	var (
		svc        ingest.Service
		triggers   *mockTriggerStore
		events     *mockEventStore
		producer   *mockProducer
		correlator *mockCorrelator
		sink       *mockSink
		ctx        context.Context
	)

	newTrigger := func() *model.Trigger {
		return &model.Trigger{
			ID:             42,
			ProjectID:      7,
			Name:           "deploy failed",
			Enabled:        true,
			SetupComplete:  true,
			PromptTemplate: "investigate {{payload.job}}",
			CreatedAt:      time.Now().Add(-time.Hour),
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		triggers = &mockTriggerStore{}
		events = &mockEventStore{}
		producer = &mockProducer{}
		correlator = &mockCorrelator{}
		sink = &mockSink{}

		Expect(id.Init(1)).To(Succeed())

		stores := store.NewStoresWith(triggers, events, &mockExecutionStore{}, &mockWorkflowStore{}, &mockProjectStore{})
		svc = ingest.NewService(stores, &mockTxRunner{stores: stores}, producer, correlator, sink, nil)
	})

	Describe("Ingest", func() {
		Context("when the trigger does not exist", func() {
			It("returns ErrTriggerNotFound and counts the rejection", func() {
				_, err := svc.Ingest(ctx, ingest.Params{TriggerID: 99, Payload: json.RawMessage(`{}`)})
				Expect(err).To(MatchError(ingest.ErrTriggerNotFound))
				Expect(sink.outcomes()).To(ConsistOf(metrics.IngestRejected))
			})
		})

		Context("when the request is missing required fields", func() {
			It("rejects an empty payload", func() {
				_, err := svc.Ingest(ctx, ingest.Params{TriggerID: 42})
				Expect(err).To(HaveOccurred())
				Expect(sink.outcomes()).To(ConsistOf(metrics.IngestRejected))
			})
		})

		Context("when the store fails", func() {
			BeforeEach(func() {
				triggers.getByIDFn = func(ctx context.Context, id int64) (*model.Trigger, error) {
					return newTrigger(), nil
				}
				events.createOrGetFn = func(ctx context.Context, event *model.Event) (*model.Event, bool, error) {
					return nil, false, fmt.Errorf("connection refused")
				}
			})

			It("surfaces the error and counts it", func() {
				_, err := svc.Ingest(ctx, ingest.Params{TriggerID: 42, DeliveryID: "d-1", Payload: json.RawMessage(`{"a":1}`)})
				Expect(err).To(MatchError(ContainSubstring("storing event")))
				Expect(sink.outcomes()).To(ConsistOf(metrics.IngestError))
			})
		})

		Context("when the trigger is disabled", func() {
			BeforeEach(func() {
				triggers.getByIDFn = func(ctx context.Context, id int64) (*model.Trigger, error) {
					t := newTrigger()
					t.Enabled = false
					return t, nil
				}
			})

			It("acknowledges without storing or enqueueing", func() {
				result, err := svc.Ingest(ctx, ingest.Params{TriggerID: 42, Payload: json.RawMessage(`{"a":1}`)})

				Expect(err).NotTo(HaveOccurred())
				Expect(result.EventID).To(BeNil())
				Expect(events.capturedEvent).To(BeNil())
				Expect(producer.enqueued).To(BeEmpty())
				Expect(correlator.calls).To(BeZero())
			})
		})

		Context("with a matching payload", func() {
			BeforeEach(func() {
				triggers.getByIDFn = func(ctx context.Context, id int64) (*model.Trigger, error) {
					return newTrigger(), nil
				}
			})

			It("stores the event and enqueues a single job", func() {
				result, err := svc.Ingest(ctx, ingest.Params{
					TriggerID:  42,
					DeliveryID: "d-1",
					Payload:    json.RawMessage(`{"job":"deploy"}`),
				})

				Expect(err).NotTo(HaveOccurred())
				Expect(result.Matched).To(BeTrue())
				Expect(result.Enqueued).To(BeTrue())
				Expect(result.EventID).NotTo(BeNil())

				Expect(events.capturedEvent).NotTo(BeNil())
				Expect(events.capturedEvent.TriggerID).To(Equal(int64(42)))
				Expect(events.capturedEvent.DeliveryID).To(Equal("d-1"))

				Expect(producer.enqueued).To(HaveLen(1))
				Expect(producer.enqueued[0].Kind).To(Equal(queue.KindSingle))
				Expect(producer.enqueued[0].DedupeKey).To(Equal("42-d-1"))
				Expect(correlator.calls).To(Equal(1))
			})

			It("falls back to a content hash when no delivery id is given", func() {
				payload := json.RawMessage(`{"job":"deploy"}`)
				sum := sha256.Sum256(payload)

				result, err := svc.Ingest(ctx, ingest.Params{TriggerID: 42, Payload: payload})

				Expect(err).NotTo(HaveOccurred())
				Expect(result.DeliveryID).To(Equal(hex.EncodeToString(sum[:])))
				Expect(events.capturedEvent.DeliveryID).To(Equal(result.DeliveryID))
			})

			It("still acknowledges when correlation fails", func() {
				correlator.correlateFn = func(ctx context.Context, trigger *model.Trigger) error {
					return fmt.Errorf("redis down")
				}

				result, err := svc.Ingest(ctx, ingest.Params{TriggerID: 42, DeliveryID: "d-1", Payload: json.RawMessage(`{"a":1}`)})

				Expect(err).NotTo(HaveOccurred())
				Expect(result.Enqueued).To(BeTrue())
			})
		})

		Context("when the delivery was already ingested", func() {
			BeforeEach(func() {
				triggers.getByIDFn = func(ctx context.Context, id int64) (*model.Trigger, error) {
					return newTrigger(), nil
				}
				events.createOrGetFn = func(ctx context.Context, event *model.Event) (*model.Event, bool, error) {
					return &model.Event{ID: 555, TriggerID: event.TriggerID, DeliveryID: event.DeliveryID}, false, nil
				}
			})

			It("returns the existing event id without re-processing", func() {
				result, err := svc.Ingest(ctx, ingest.Params{TriggerID: 42, DeliveryID: "d-1", Payload: json.RawMessage(`{"a":1}`)})

				Expect(err).NotTo(HaveOccurred())
				Expect(result.Duplicated).To(BeTrue())
				Expect(*result.EventID).To(Equal(int64(555)))
				Expect(producer.enqueued).To(BeEmpty())
				Expect(correlator.calls).To(BeZero())
			})
		})

		Context("when the same delivery arrives on two connections at once", func() {
			BeforeEach(func() {
				triggers.getByIDFn = func(ctx context.Context, id int64) (*model.Trigger, error) {
					return newTrigger(), nil
				}
			})

			It("stores one event and dedupes the loser against it", func() {
				params := ingest.Params{TriggerID: 42, DeliveryID: "dup-1", Payload: json.RawMessage(`{"a":1}`)}

				results := make([]*ingest.Result, 2)
				var wg sync.WaitGroup
				for i := range results {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						defer GinkgoRecover()
						r, err := svc.Ingest(ctx, params)
						Expect(err).NotTo(HaveOccurred())
						results[i] = r
					}(i)
				}
				wg.Wait()

				Expect(events.byDelivery).To(HaveLen(1), "racing deliveries must collapse to one stored event")
				Expect(producer.enqueued).To(HaveLen(1))

				duplicated := 0
				for _, r := range results {
					Expect(*r.EventID).To(Equal(events.capturedEvent.ID))
					if r.Duplicated {
						duplicated++
					}
				}
				Expect(duplicated).To(Equal(1))
			})
		})

		Context("when conditions do not match", func() {
			BeforeEach(func() {
				triggers.getByIDFn = func(ctx context.Context, id int64) (*model.Trigger, error) {
					t := newTrigger()
					t.Conditions = []model.Condition{{Path: "payload.status", Operator: "eq", Value: "failed"}}
					return t, nil
				}
			})

			It("stores nothing and enqueues nothing", func() {
				result, err := svc.Ingest(ctx, ingest.Params{TriggerID: 42, DeliveryID: "d-1", Payload: json.RawMessage(`{"status":"success"}`)})

				Expect(err).NotTo(HaveOccurred())
				Expect(result.Matched).To(BeFalse())
				Expect(result.EventID).To(BeNil())
				Expect(events.capturedEvent).To(BeNil())
				Expect(producer.enqueued).To(BeEmpty())
			})
		})

		Context("with a threshold config of count=3 window=5m", func() {
			var counted int

			BeforeEach(func() {
				triggers.getByIDFn = func(ctx context.Context, id int64) (*model.Trigger, error) {
					t := newTrigger()
					t.Threshold = &model.ThresholdConfig{Count: 3, WindowMinutes: 5}
					return t, nil
				}
				events.countForTriggerSinceFn = func(ctx context.Context, triggerID int64, since time.Time) (int, error) {
					return counted, nil
				}
			})

			It("enqueues nothing below the threshold but still correlates", func() {
				counted = 2
				result, err := svc.Ingest(ctx, ingest.Params{TriggerID: 42, DeliveryID: "d-2", Payload: json.RawMessage(`{"a":1}`)})

				Expect(err).NotTo(HaveOccurred())
				Expect(result.Matched).To(BeTrue())
				Expect(result.Enqueued).To(BeFalse())
				Expect(producer.enqueued).To(BeEmpty())
				Expect(correlator.calls).To(Equal(1))
			})

			It("enqueues one batch job at the threshold", func() {
				counted = 3
				result, err := svc.Ingest(ctx, ingest.Params{TriggerID: 42, DeliveryID: "d-3", Payload: json.RawMessage(`{"a":1}`)})

				Expect(err).NotTo(HaveOccurred())
				Expect(result.Enqueued).To(BeTrue())
				Expect(producer.enqueued).To(HaveLen(1))

				task := producer.enqueued[0]
				Expect(task.Kind).To(Equal(queue.KindBatch))
				Expect(task.WindowStart).NotTo(BeNil())
				Expect(task.WindowEnd).NotTo(BeNil())
				Expect(task.WindowEnd.Sub(*task.WindowStart)).To(Equal(5 * time.Minute))
			})

			It("keys the batch job by trigger and time bucket", func() {
				counted = 3
				_, err := svc.Ingest(ctx, ingest.Params{TriggerID: 42, DeliveryID: "d-3", Payload: json.RawMessage(`{"a":1}`)})
				Expect(err).NotTo(HaveOccurred())

				task := producer.enqueued[0]
				bucket := queue.Bucket(*task.WindowEnd, 5*time.Minute)
				Expect(task.DedupeKey).To(Equal(fmt.Sprintf("batch-42-%d", bucket)))
			})
		})

		Context("when trigger setup is incomplete", func() {
			It("stores the event without dispatching inside the grace window", func() {
				triggers.getByIDFn = func(ctx context.Context, id int64) (*model.Trigger, error) {
					t := newTrigger()
					t.SetupComplete = false
					t.CreatedAt = time.Now().Add(-5 * time.Minute)
					return t, nil
				}

				result, err := svc.Ingest(ctx, ingest.Params{TriggerID: 42, DeliveryID: "d-1", Payload: json.RawMessage(`{"a":1}`)})

				Expect(err).NotTo(HaveOccurred())
				Expect(result.Matched).To(BeTrue())
				Expect(result.Enqueued).To(BeFalse())
				Expect(events.capturedEvent).NotTo(BeNil())
				Expect(producer.enqueued).To(BeEmpty())
				Expect(correlator.calls).To(BeZero())
				Expect(triggers.completeSetupCalls).To(BeZero())
			})

			It("completes abandoned setup and dispatches past the grace window", func() {
				triggers.getByIDFn = func(ctx context.Context, id int64) (*model.Trigger, error) {
					t := newTrigger()
					t.SetupComplete = false
					t.CreatedAt = time.Now().Add(-20 * time.Minute)
					return t, nil
				}

				result, err := svc.Ingest(ctx, ingest.Params{TriggerID: 42, DeliveryID: "d-1", Payload: json.RawMessage(`{"a":1}`)})

				Expect(err).NotTo(HaveOccurred())
				Expect(result.Enqueued).To(BeTrue())
				Expect(triggers.completeSetupCalls).To(Equal(1))
				Expect(producer.enqueued).To(HaveLen(1))
				Expect(correlator.calls).To(Equal(1))
			})
		})
	})
})
