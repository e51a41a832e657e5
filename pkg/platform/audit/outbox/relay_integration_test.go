//go:build integration

package outbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/twmb/franz-go/pkg/kgo"

	"veritas/internal/platform/kafka"
	audit "veritas/pkg/platform/audit"
	"veritas/pkg/platform/audit/outbox"
	auditpostgres "veritas/pkg/platform/audit/store/postgres"
	"veritas/pkg/platform/circuit"
	"veritas/pkg/testutil/containers"
)

type RelaySuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	kafka    *containers.KafkaContainer
	store    *auditpostgres.Store
	producer *kafka.Producer
	topic    string
}

func TestRelaySuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RelaySuite))
}

func (s *RelaySuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.kafka = mgr.GetKafka(s.T())
	s.store = auditpostgres.New(s.postgres.DB)
	s.topic = "veritas.audit.relay-test"

	producer, err := kafka.NewProducer(context.Background(), kafka.Config{
		Brokers: []string{s.kafka.Broker},
		Topic:   s.topic,
	})
	s.Require().NoError(err)
	s.producer = producer
}

func (s *RelaySuite) TearDownSuite() {
	if s.producer != nil {
		s.producer.Close()
	}
}

func (s *RelaySuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "outbox"))
}

func (s *RelaySuite) pendingCount() int {
	var n int
	err := s.postgres.DB.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM outbox WHERE processed_at IS NULL`).Scan(&n)
	s.Require().NoError(err)
	return n
}

func (s *RelaySuite) TestRelaysPendingRowsToKafka() {
	ctx := context.Background()
	for _, action := range []audit.AuditEvent{audit.EventArtifactSealed, audit.EventDisclosureIssued} {
		s.Require().NoError(s.store.Append(ctx, audit.Event{
			Action:     string(action),
			ArtifactID: "art-relay",
			Timestamp:  time.Now(),
		}))
	}
	s.Equal(2, s.pendingCount())

	relay := outbox.NewRelay(s.postgres.DB, s.producer, outbox.WithBatchSize(10))
	n, err := relay.RelayOnce(ctx)
	s.Require().NoError(err)
	s.Equal(2, n)
	s.Zero(s.pendingCount())

	again, err := relay.RelayOnce(ctx)
	s.Require().NoError(err)
	s.Zero(again)

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(s.kafka.Broker),
		kgo.ConsumeTopics(s.topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	s.Require().NoError(err)
	defer consumer.Close()

	pollCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	var actions []string
	for len(actions) < 2 {
		fetches := consumer.PollFetches(pollCtx)
		s.Require().NoError(pollCtx.Err())
		fetches.EachRecord(func(rec *kgo.Record) {
			if string(rec.Key) != "art-relay" {
				return
			}
			var payload auditpostgres.Payload
			s.Require().NoError(json.Unmarshal(rec.Value, &payload))
			actions = append(actions, payload.Action)
		})
	}
	s.ElementsMatch([]string{string(audit.EventArtifactSealed), string(audit.EventDisclosureIssued)}, actions)
}

type failingPublisher struct{ calls *int }

func (f failingPublisher) Publish(context.Context, []outbox.Message) error {
	if f.calls != nil {
		*f.calls++
	}
	return errors.New("broker unavailable")
}

func (s *RelaySuite) TestPublishFailureLeavesRowsPending() {
	ctx := context.Background()
	s.Require().NoError(s.store.Append(ctx, audit.Event{Action: string(audit.EventArtifactVerified), Timestamp: time.Now()}))

	relay := outbox.NewRelay(s.postgres.DB, failingPublisher{})
	_, err := relay.RelayOnce(ctx)
	s.Error(err)
	s.Equal(1, s.pendingCount())
}

func (s *RelaySuite) TestBreakerPausesRelayAfterRepeatedFailures() {
	ctx := context.Background()
	s.Require().NoError(s.store.Append(ctx, audit.Event{Action: string(audit.EventArtifactVerified), Timestamp: time.Now()}))

	calls := 0
	breaker := circuit.New("kafka-relay", circuit.WithFailureThreshold(2), circuit.WithCooldown(time.Hour))
	relay := outbox.NewRelay(s.postgres.DB, failingPublisher{calls: &calls}, outbox.WithBreaker(breaker))

	relay.Drain(ctx)
	relay.Drain(ctx)
	s.True(breaker.IsOpen())
	relay.Drain(ctx)
	relay.Drain(ctx)

	s.Equal(2, calls, "no publish attempts while the circuit is open")
	s.Equal(1, s.pendingCount())
}

func (s *RelaySuite) TestAuditStoreListsArtifactEvents() {
	ctx := context.Background()
	s.Require().NoError(s.store.Append(ctx, audit.Event{
		Action:          string(audit.EventDisclosureDenied),
		ArtifactID:      "art-list",
		RequestingParty: "intruder@example.com",
		Reason:          "unauthorized",
		Timestamp:       time.Now(),
	}))
	s.Require().NoError(s.store.Append(ctx, audit.Event{Action: string(audit.EventDisclosuresPurged), Timestamp: time.Now()}))

	events, err := s.store.ListByArtifact(ctx, "art-list")
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(audit.CategorySecurity, events[0].Category)
	s.Equal("unauthorized", events[0].Reason)
	s.NotEmpty(events[0].ID)
}
