package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"

	"github.com/mumuon/model-runner/internal/awsutil"
	"github.com/mumuon/model-runner/internal/model"
)

// KinesisSink streams an image's features as an event stream, ported
// from the original KinesisSink's batching rule: batchSize==1 puts one
// feature per record; otherwise features are grouped up to batchSize
// count or maxRecordSize bytes, whichever comes first.
type KinesisSink struct {
	client        *kinesis.Client
	streamName    string
	batchSize     int
	maxRecordSize int
}

// NewKinesisSink constructs a sink targeting spec.Stream, assuming
// spec.AssumedRole if set.
func NewKinesisSink(ctx context.Context, region string, spec model.SinkSpec, maxRecordSize int) (*KinesisSink, error) {
	cfg, err := awsutil.LoadConfig(ctx, region, spec.AssumedRole)
	if err != nil {
		return nil, err
	}
	batchSize := spec.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}
	return &KinesisSink{
		client:        kinesis.NewFromConfig(cfg),
		streamName:    spec.Stream,
		batchSize:     batchSize,
		maxRecordSize: maxRecordSize,
	}, nil
}

// Write streams features as a single PutRecords call carrying one record
// per batch.
func (k *KinesisSink) Write(ctx context.Context, imageID, imageURL string, features []model.Feature) error {
	if len(features) == 0 {
		return nil
	}

	partitionKey := path.Base(strings.TrimRight(imageURL, "/"))
	batches, err := k.batch(imageID, features)
	if err != nil {
		return err
	}

	logger := slog.With("stream", k.streamName, "image_id", imageID)
	var entries []types.PutRecordsRequestEntry
	for _, body := range batches {
		entries = append(entries, types.PutRecordsRequestEntry{
			Data:         body,
			PartitionKey: aws.String(partitionKey),
		})
	}

	_, err = k.client.PutRecords(ctx, &kinesis.PutRecordsInput{
		StreamName: aws.String(k.streamName),
		Records:    entries,
	})
	if err != nil {
		logger.Error("event stream write failed", "error", err)
		return fmt.Errorf("put records for %s: %w", imageID, err)
	}

	logger.Info("result features streamed", "record_count", len(entries), "feature_count", len(features))
	return nil
}

// batch groups features into Kinesis record payloads. batchSize==1
// yields one feature per record (matching the "no batching" mode the
// original sink supports); otherwise features accumulate into a record
// until either batchSize features or maxRecordSize bytes would be
// exceeded, whichever limit is hit first.
func (k *KinesisSink) batch(imageID string, features []model.Feature) ([][]byte, error) {
	if k.batchSize == 1 {
		var records [][]byte
		for _, f := range features {
			body, err := json.Marshal(featureRecord(imageID, f))
			if err != nil {
				return nil, fmt.Errorf("marshal feature %s: %w", f.ID, err)
			}
			records = append(records, body)
		}
		return records, nil
	}

	var records [][]byte
	var current []json.RawMessage
	var currentSize int

	flush := func() error {
		if len(current) == 0 {
			return nil
		}
		body, err := json.Marshal(current)
		if err != nil {
			return fmt.Errorf("marshal batch for %s: %w", imageID, err)
		}
		records = append(records, body)
		current = nil
		currentSize = 0
		return nil
	}

	for _, f := range features {
		encoded, err := json.Marshal(featureRecord(imageID, f))
		if err != nil {
			return nil, fmt.Errorf("marshal feature %s: %w", f.ID, err)
		}

		wouldExceedCount := len(current) >= k.batchSize
		wouldExceedBytes := k.maxRecordSize > 0 && currentSize+len(encoded) > k.maxRecordSize
		if (wouldExceedCount || wouldExceedBytes) && len(current) > 0 {
			if err := flush(); err != nil {
				return nil, err
			}
		}

		current = append(current, json.RawMessage(encoded))
		currentSize += len(encoded)
	}
	if err := flush(); err != nil {
		return nil, err
	}

	return records, nil
}

func featureRecord(imageID string, f model.Feature) map[string]any {
	return map[string]any{
		"image_id":        imageID,
		"feature_id":      f.ID,
		"bounds_imcoords": f.BoundsImcoords,
		"detection_score": f.Score,
		"feature_types":   f.FeatureTypes,
	}
}
