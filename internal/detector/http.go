package detector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/paulmach/orb/geojson"
	"github.com/sony/gobreaker"

	"github.com/mumuon/model-runner/internal/awsutil"
	"github.com/mumuon/model-runner/internal/retry"
)

// HTTPDetector implements the HTTP_ENDPOINT asynchronous invocation mode:
// the payload is staged to S3 under a locally generated inference id, the
// endpoint is invoked with that id and the staged object's location, and
// FetchResult reads the result from an output location.
type HTTPDetector struct {
	httpClient *http.Client
	endpointURL string

	s3Client       *s3.Client
	stagingUploader *manager.Uploader
	stagingBucket  string
	stagingPrefix  string

	breaker *gobreaker.CircuitBreaker
}

// NewHTTPDetector constructs an async Detector. region/assumedRole select
// the S3 client used for staging; endpointURL is invoked directly over
// HTTP (the model-hosting side of an HTTP_ENDPOINT deployment is not an
// AWS service, so no AWS credentials apply to it).
func NewHTTPDetector(ctx context.Context, region, assumedRole, endpointURL, stagingBucket, stagingPrefix string, timeout time.Duration) (*HTTPDetector, error) {
	cfg, err := awsutil.LoadConfig(ctx, region, assumedRole)
	if err != nil {
		return nil, err
	}
	s3Client := s3.NewFromConfig(cfg)

	return &HTTPDetector{
		httpClient:      &http.Client{Timeout: timeout},
		endpointURL:     endpointURL,
		s3Client:        s3Client,
		stagingUploader: manager.NewUploader(s3Client),
		stagingBucket:   stagingBucket,
		stagingPrefix:   stagingPrefix,
		breaker:         newBreaker(endpointURL),
	}, nil
}

// InvokeAsync stages payload to S3 and posts its location to the
// endpoint, returning the inference id generated here (and sent in the
// request) and the staged object's location.
func (d *HTTPDetector) InvokeAsync(ctx context.Context, payload []byte) (string, string, error) {
	inferenceID := uuid.NewString()
	stagedKey := fmt.Sprintf("%s/%s.bin", d.stagingPrefix, inferenceID)

	if _, err := d.stagingUploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(d.stagingBucket),
		Key:    aws.String(stagedKey),
		Body:   bytes.NewReader(payload),
	}); err != nil {
		return "", "", fmt.Errorf("stage payload for %s: %w", inferenceID, err)
	}
	stagedLocation := fmt.Sprintf("s3://%s/%s", d.stagingBucket, stagedKey)

	outputLocation := fmt.Sprintf("s3://%s/%s/%s.out", d.stagingBucket, d.stagingPrefix, inferenceID)
	result, err := d.breaker.Execute(func() (interface{}, error) {
		var loc string
		err := retry.Do(ctx, retry.DefaultPolicy, func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpointURL, bytes.NewBufferString(
				fmt.Sprintf(`{"inferenceId":%q,"input":%q,"output":%q}`, inferenceID, stagedLocation, outputLocation),
			))
			if err != nil {
				return retry.AsPermanent(err)
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := d.httpClient.Do(req)
			if err != nil {
				return retry.AsTransient(err)
			}
			defer resp.Body.Close()
			io.Copy(io.Discard, resp.Body)

			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return retry.AsTransient(fmt.Errorf("endpoint returned %d", resp.StatusCode))
			}
			if resp.StatusCode >= 400 {
				return retry.AsPermanent(fmt.Errorf("endpoint returned %d", resp.StatusCode))
			}
			loc = outputLocation
			return nil
		})
		return loc, err
	})
	if err != nil {
		slog.Error("async detector invocation failed", "endpoint", d.endpointURL, "error", err)
		return "", "", fmt.Errorf("invoke async %s: %w", d.endpointURL, err)
	}

	return inferenceID, result.(string), nil
}

// FetchResult reads and decodes the FeatureCollection written by the
// endpoint to outputLocation once processing completes.
func (d *HTTPDetector) FetchResult(ctx context.Context, outputLocation string) (*geojson.FeatureCollection, error) {
	bucket, key, err := splitS3URL(outputLocation)
	if err != nil {
		return nil, err
	}

	out, err := d.s3Client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, fmt.Errorf("fetch result %s: %w", outputLocation, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read result %s: %w", outputLocation, err)
	}

	fc, err := geojson.UnmarshalFeatureCollection(body)
	if err != nil {
		return nil, fmt.Errorf("decode result %s: %w", outputLocation, err)
	}
	return fc, nil
}

func splitS3URL(url string) (bucket, key string, err error) {
	const prefix = "s3://"
	if len(url) <= len(prefix) || url[:len(prefix)] != prefix {
		return "", "", fmt.Errorf("not an s3 url: %s", url)
	}
	rest := url[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("s3 url missing key: %s", url)
}
