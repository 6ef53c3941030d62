// Package status is the status monitor (C8): it publishes image/region/
// tile lifecycle transitions to SNS topics. Publication failures are
// logged and treated as non-fatal, per SPEC_FULL.md §4.8.
package status

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/mumuon/model-runner/internal/awsutil"
)

// Event is one lifecycle transition to publish.
type Event struct {
	JobID              string
	ImageID            string
	RegionID           string
	TileID             string
	Status             string
	ProcessingDuration time.Duration
	Message            string
}

// Monitor publishes Events to the configured SNS topics.
type Monitor struct {
	client *sns.Client

	imageTopicArn  string
	regionTopicArn string
	tileTopicArn   string
}

// New constructs a Monitor for the given topic ARNs. The values are passed
// to Publish as TopicArn unchanged; a topic name is not resolved to an ARN.
func New(ctx context.Context, region, imageTopicArn, regionTopicArn, tileTopicArn string) (*Monitor, error) {
	cfg, err := awsutil.LoadConfig(ctx, region, "")
	if err != nil {
		return nil, err
	}
	return &Monitor{
		client:         sns.NewFromConfig(cfg),
		imageTopicArn:  imageTopicArn,
		regionTopicArn: regionTopicArn,
		tileTopicArn:   tileTopicArn,
	}, nil
}

// PublishImage publishes an image-level transition.
func (m *Monitor) PublishImage(ctx context.Context, ev Event) {
	m.publish(ctx, m.imageTopicArn, ev)
}

// PublishRegion publishes a region-level transition.
func (m *Monitor) PublishRegion(ctx context.Context, ev Event) {
	m.publish(ctx, m.regionTopicArn, ev)
}

// PublishTile publishes a tile-level transition.
func (m *Monitor) PublishTile(ctx context.Context, ev Event) {
	m.publish(ctx, m.tileTopicArn, ev)
}

func (m *Monitor) publish(ctx context.Context, topicArn string, ev Event) {
	attrs := m.stringAttributes(ev)

	_, err := m.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(topicArn),
		Message:           aws.String(ev.Message),
		MessageAttributes: attrs,
	})
	if err != nil {
		slog.Warn("status publish failed", "topic", topicArn, "image_id", ev.ImageID, "error", err)
		return
	}
	slog.Debug("status published", "topic", topicArn, "image_id", ev.ImageID, "status", ev.Status)
}

// stringAttributes builds the SNS message-attribute map. Every attribute
// is sent with DataType String: empty region/tile ids and an empty message
// are omitted, and a positive processing duration is sent under
// processing_duration as its millisecond count formatted as a string.
func (m *Monitor) stringAttributes(ev Event) map[string]types.MessageAttributeValue {
	attrs := map[string]types.MessageAttributeValue{
		"job_id":   stringAttr(ev.JobID),
		"image_id": stringAttr(ev.ImageID),
		"status":   stringAttr(ev.Status),
	}
	if ev.RegionID != "" {
		attrs["region_id"] = stringAttr(ev.RegionID)
	}
	if ev.TileID != "" {
		attrs["tile_id"] = stringAttr(ev.TileID)
	}
	if ev.ProcessingDuration > 0 {
		attrs["processing_duration"] = stringAttr(fmt.Sprintf("%d", ev.ProcessingDuration.Milliseconds()))
	}
	if ev.Message != "" {
		attrs["message"] = stringAttr(ev.Message)
	}
	return attrs
}

func stringAttr(value string) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(value),
	}
}
