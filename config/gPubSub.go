package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// ErrPubSubDisabled is returned when no report topic is configured.
var ErrPubSubDisabled = errors.New("pubsub is not configured")

// ReportJobMessage announces a newly queued report job.
type ReportJobMessage struct {
	JobId         string    `json:"job_id"`
	ScopeType     string    `json:"scope_type"`
	ScopeKey      string    `json:"scope_key"`
	IsoWeek       string    `json:"iso_week"`
	MonthKey      string    `json:"month_key"`
	QueuedAt      time.Time `json:"queued_at"`
	CorrelationId string    `json:"correlation_id"`
}

var (
	pubsubClient   *pubsub.Client
	pubsubClientMu sync.Mutex
)

func getPubSubProjectID() string {
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		return v
	}
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		return v
	}
	return os.Getenv("GCP_PROJECT")
}

// ReportTopicName is empty when job notifications are disabled.
func ReportTopicName() string {
	return os.Getenv("PUBSUB_REPORT_TOPIC")
}

func ReportSubscriptionName() string {
	return os.Getenv("PUBSUB_REPORT_SUBSCRIPTION")
}

// GetPubSubClient returns a shared Pub/Sub client.
// It uses Application Default Credentials unless PUBSUB_CREDENTIALS_JSON is provided.
func GetPubSubClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubClientMu.Lock()
	defer pubsubClientMu.Unlock()
	if pubsubClient != nil {
		return pubsubClient, nil
	}

	projectID := getPubSubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}

	credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON")
	maxAttempts := IntFromEnv("PUBSUB_CONNECT_ATTEMPTS", 3)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var (
			c   *pubsub.Client
			err error
		)
		if credJSON != "" {
			c, err = pubsub.NewClient(ctx, projectID, option.WithCredentialsJSON([]byte(credJSON)))
		} else {
			c, err = pubsub.NewClient(ctx, projectID)
		}
		if err == nil {
			pubsubClient = c
			log.Printf("pubsub client ready (project_id=%s attempt=%d)", projectID, attempt)
			return c, nil
		}
		lastErr = err

		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		log.Printf("failed to init pubsub client (project_id=%s attempt=%d): %v; retrying in %s", projectID, attempt, err, sleep)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
	return nil, fmt.Errorf("init pubsub client: %w", lastErr)
}

func ClosePubSubClient() {
	pubsubClientMu.Lock()
	defer pubsubClientMu.Unlock()
	if pubsubClient != nil {
		_ = pubsubClient.Close()
		pubsubClient = nil
	}
}

func CreateTopicIfNotExists(ctx context.Context, c *pubsub.Client, topic string) (*pubsub.Topic, error) {
	if c == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	t := c.Topic(topic)
	ok, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		return t, nil
	}
	t, err = c.CreateTopic(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("create topic %q: %w", topic, err)
	}
	return t, nil
}

func CreateSubscriptionIfNotExists(ctx context.Context, client *pubsub.Client, name string, topic *pubsub.Topic) (*pubsub.Subscription, error) {
	if client == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if name == "" {
		return nil, errors.New("subscription name is required")
	}
	if topic == nil {
		return nil, errors.New("topic is required")
	}
	sub := client.Subscription(name)
	subExists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription exists: %w", err)
	}
	if !subExists {
		sub, err = client.CreateSubscription(ctx, name, pubsub.SubscriptionConfig{
			Topic:       topic,
			AckDeadline: 20 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("create subscription %q: %w", name, err)
		}
	}
	return sub, nil
}

// PublishReportJobQueued publishes and returns the Pub/Sub server-assigned message ID.
func PublishReportJobQueued(ctx context.Context, msg ReportJobMessage) (string, error) {
	topicName := ReportTopicName()
	if topicName == "" {
		return "", ErrPubSubDisabled
	}
	client, err := GetPubSubClient(ctx)
	if err != nil {
		return "", err
	}

	msgJSON, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	result := client.Topic(topicName).Publish(ctx, &pubsub.Message{
		Data: msgJSON,
		Attributes: map[string]string{
			"job_id":     msg.JobId,
			"scope_type": msg.ScopeType,
		},
	})
	return result.Get(ctx)
}

// ReceiveReportJobs blocks, calling fn for every job notification until ctx ends.
func ReceiveReportJobs(ctx context.Context, fn func(ReportJobMessage)) error {
	subName := ReportSubscriptionName()
	topicName := ReportTopicName()
	if subName == "" || topicName == "" {
		return ErrPubSubDisabled
	}
	client, err := GetPubSubClient(ctx)
	if err != nil {
		return err
	}
	topic, err := CreateTopicIfNotExists(ctx, client, topicName)
	if err != nil {
		return err
	}
	sub, err := CreateSubscriptionIfNotExists(ctx, client, subName, topic)
	if err != nil {
		return err
	}
	return sub.Receive(ctx, func(_ context.Context, m *pubsub.Message) {
		var msg ReportJobMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			// Poisoned payload: ack and drop.
			m.Ack()
			return
		}
		fn(msg)
		m.Ack()
	})
}
