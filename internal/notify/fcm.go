// README: Firebase Cloud Messaging dispatcher; one data message per event on the recipient's topic.
package notify

import (
	"context"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
)

type fcmSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

type FCMDispatcher struct {
	client fcmSender
}

func NewFCMDispatcher(ctx context.Context, app *firebase.App) (*FCMDispatcher, error) {
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase messaging client: %w", err)
	}
	return &FCMDispatcher{client: client}, nil
}

// RecipientTopic is the topic a rider's devices subscribe to.
func RecipientTopic(e Event) string {
	return "user_" + string(e.RecipientID)
}

func (d *FCMDispatcher) Dispatch(ctx context.Context, e Event) error {
	if e.RecipientID == "" {
		return fmt.Errorf("event %s for %s has no recipient", e.Kind, e.EntityID)
	}
	data := map[string]string{
		"type":        string(e.Kind),
		"entity_id":   string(e.EntityID),
		"occurred_at": e.OccurredAt.UTC().Format(time.RFC3339),
	}
	for k, v := range e.Data {
		data[k] = fmt.Sprint(v)
	}
	msg := &messaging.Message{
		Topic: RecipientTopic(e),
		Data:  data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}
	if _, err := d.client.Send(ctx, msg); err != nil {
		return fmt.Errorf("sending FCM %s to %s: %w", e.Kind, msg.Topic, err)
	}
	return nil
}
