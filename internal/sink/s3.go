package sink

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/mumuon/model-runner/internal/awsutil"
	"github.com/mumuon/model-runner/internal/model"
)

// S3Sink writes an image's FeatureCollection as GeoJSON to an object
// store, following the teacher's S3Client shape: a thin wrapper around
// the AWS SDK v2 client plus a manager.Uploader for the actual PutObject.
type S3Sink struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Sink constructs a sink targeting spec.Bucket/spec.Prefix, assuming
// spec.AssumedRole if set.
func NewS3Sink(ctx context.Context, region string, spec model.SinkSpec) (*S3Sink, error) {
	cfg, err := awsutil.LoadConfig(ctx, region, spec.AssumedRole)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(cfg)
	return &S3Sink{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   spec.Bucket,
		prefix:   spec.Prefix,
	}, nil
}

// Write uploads "{prefix}/{basename(imageURL)}.geojson" containing the
// FeatureCollection, per SPEC_FULL.md §4.9.
func (s *S3Sink) Write(ctx context.Context, imageID, imageURL string, features []model.Feature) error {
	fc := FeaturesToCollection(imageID, features)
	body, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal feature collection for %s: %w", imageID, err)
	}

	key := path.Join(s.prefix, path.Base(strings.TrimRight(imageURL, "/"))+".geojson")
	logger := slog.With("bucket", s.bucket, "key", key, "image_id", imageID)
	logger.Debug("writing result document to object store")

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/geo+json"),
	})
	if err != nil {
		logger.Error("object store write failed", "error", err)
		return fmt.Errorf("upload result document for %s: %w", imageID, err)
	}

	logger.Info("result document written", "feature_count", len(features))
	return nil
}
