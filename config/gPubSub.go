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

// LedgerNotification is the payload published when a ledger day closes or drift is repaired.
type LedgerNotification struct {
	Event         string          `json:"event"`
	EntityId      int             `json:"entity_id"`
	EntityType    string          `json:"entity_type"`
	LedgerDate    string          `json:"ledger_date"`
	Detail        json.RawMessage `json:"detail,omitempty"`
	CorrelationId string          `json:"correlation_id,omitempty"`
	PublishedAt   time.Time       `json:"published_at"`
}

var (
	pubsubClient   *pubsub.Client
	pubsubClientMu sync.Mutex
)

const pubsubInitAttempts = 3

func getPubSubProjectID() string {
	// Prefer explicit override.
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		return v
	}
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		return v
	}
	return ""
}

// LedgerTopic returns the topic ledger notifications go to; empty disables publishing.
func LedgerTopic() string {
	return os.Getenv("PUBSUB_LEDGER_TOPIC")
}

func getPubSubClient(ctx context.Context) (*pubsub.Client, error) {
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

	var lastErr error
	for attempt := 1; attempt <= pubsubInitAttempts; attempt++ {
		var (
			c   *pubsub.Client
			err error
		)
		if credJSON != "" {
			c, err = pubsub.NewClient(ctx, projectID, option.WithCredentialsJSON([]byte(credJSON)))
		} else {
			// Application Default Credentials.
			c, err = pubsub.NewClient(ctx, projectID)
		}
		if err == nil {
			pubsubClient = c
			log.Printf("pubsub client ready (project_id=%s attempt=%d)", projectID, attempt)
			return c, nil
		}
		lastErr = err
		log.Printf("failed to init pubsub client (project_id=%s attempt=%d): %v", projectID, attempt, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return nil, fmt.Errorf("init pubsub client: %w", lastErr)
}

// PubSubNotifier publishes ledger notifications to PUBSUB_LEDGER_TOPIC.
type PubSubNotifier struct {
	topic string
}

// NewPubSubNotifier returns nil when publishing is not configured.
func NewPubSubNotifier() *PubSubNotifier {
	topic := LedgerTopic()
	if topic == "" || getPubSubProjectID() == "" {
		return nil
	}
	return &PubSubNotifier{topic: topic}
}

// Notify publishes and waits for the server-assigned message ID.
func (n *PubSubNotifier) Notify(ctx context.Context, msg LedgerNotification) error {
	client, err := getPubSubClient(ctx)
	if err != nil {
		return err
	}
	if msg.PublishedAt.IsZero() {
		msg.PublishedAt = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	result := client.Topic(n.topic).Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"event":     msg.Event,
			"entity_id": fmt.Sprint(msg.EntityId),
		},
	})
	_, err = result.Get(ctx)
	return err
}

func ClosePubSub() {
	pubsubClientMu.Lock()
	defer pubsubClientMu.Unlock()
	if pubsubClient != nil {
		_ = pubsubClient.Close()
		pubsubClient = nil
	}
}
