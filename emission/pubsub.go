package emission

import (
	"context"
	"os"

	"cloud.google.com/go/pubsub"
	"github.com/notaflow/fiscal_backend/config"
	"github.com/notaflow/fiscal_backend/utils"
	"github.com/sirupsen/logrus"
)

const defaultEventsTopic = "fiscal-emission-events"

type terminalEventMessage struct {
	Reference      string `json:"reference"`
	BusinessId     string `json:"businessId"`
	State          string `json:"state"`
	DocumentNumber string `json:"documentNumber,omitempty"`
}

// PublishTerminalEvent pushes a terminal emission outcome onto the events
// topic so downstream consumers (billing, webhooks) can react without polling
// the database.
func PublishTerminalEvent(ctx context.Context, event TerminalEvent) error {
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	topicName := os.Getenv("EMISSION_EVENTS_TOPIC")
	if topicName == "" {
		topicName = defaultEventsTopic
	}
	topic, err := config.CreateTopicIfNotExists(client, topicName)
	if err != nil {
		return err
	}

	msg := terminalEventMessage{
		Reference:  event.Reference,
		BusinessId: event.BusinessId,
		State:      string(event.State),
	}
	if event.Record != nil {
		msg.DocumentNumber = event.Record.DocumentNumber
	}
	data, err := utils.MarshalToJSON(msg)
	if err != nil {
		return err
	}

	result := topic.Publish(ctx, &pubsub.Message{
		Data: []byte(data),
		Attributes: map[string]string{
			"businessId": event.BusinessId,
			"state":      string(event.State),
		},
	})
	_, err = result.Get(ctx)
	return err
}

// TerminalEventHook adapts PublishTerminalEvent into a TerminalHook. Publish
// failures are logged and swallowed: the persisted record is the source of
// truth, the event stream is best effort.
func TerminalEventHook(logger *logrus.Logger) TerminalHook {
	return func(ctx context.Context, event TerminalEvent) {
		if err := PublishTerminalEvent(ctx, event); err != nil && logger != nil {
			logger.WithFields(logrus.Fields{
				"module":    "emission",
				"funcName":  "TerminalEventHook",
				"reference": event.Reference,
			}).Error(err.Error())
		}
	}
}
