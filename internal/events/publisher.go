package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/vod-pipeline/pkg/models"
)

var tracer = otel.Tracer("vod-events")

// Type names a catalog lifecycle event.
type Type string

const (
	VideoPublished Type = "video.published"
	VideoDeleted   Type = "video.deleted"
)

// Event is the message body published for a catalog change.
type Event struct {
	Type       Type      `json:"type"`
	VideoID    string    `json:"videoId"`
	VideoKey   string    `json:"videoKey"`
	AuthorID   string    `json:"authorId"`
	Title      string    `json:"title,omitempty"`
	Renditions []string  `json:"renditions,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// NewEvent builds an event of type t for video.
func NewEvent(t Type, video *models.Video) Event {
	return Event{
		Type:       t,
		VideoID:    video.ID,
		VideoKey:   video.VideoKey,
		AuthorID:   video.AuthorID,
		Title:      video.Title,
		Renditions: video.Renditions,
		OccurredAt: time.Now().UTC(),
	}
}

// Publisher delivers catalog events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// SQSAPI is the subset of the SQS client used by SQSPublisher.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher sends events to an SQS queue.
type SQSPublisher struct {
	client   SQSAPI
	queueURL string
	log      *slog.Logger
}

// NewSQSPublisher creates a publisher for queueURL.
func NewSQSPublisher(client SQSAPI, queueURL string, log *slog.Logger) *SQSPublisher {
	return &SQSPublisher{
		client:   client,
		queueURL: queueURL,
		log:      log,
	}
}

// Publish sends event as a JSON message with the event type as a message attribute.
func (p *SQSPublisher) Publish(ctx context.Context, event Event) error {
	ctx, span := tracer.Start(ctx, "publish-event")
	defer span.End()

	span.SetAttributes(
		attribute.String("event.type", string(event.Type)),
		attribute.String("video.id", event.VideoID),
	)

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	out, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"eventType": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.Type)),
			},
		},
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to send %s event: %w", event.Type, err)
	}

	p.log.DebugContext(ctx, "Event published",
		"type", event.Type,
		"videoId", event.VideoID,
		"messageId", aws.ToString(out.MessageId),
	)
	return nil
}

// NopPublisher drops every event. It is used when no queue is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
