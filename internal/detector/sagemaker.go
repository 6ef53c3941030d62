package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/paulmach/orb/geojson"
	"github.com/sony/gobreaker"

	"github.com/mumuon/model-runner/internal/awsutil"
	"github.com/mumuon/model-runner/internal/retry"
)

// SMDetector invokes a SageMaker real-time endpoint synchronously — the
// SM_ENDPOINT invocation mode.
type SMDetector struct {
	client       *sagemakerruntime.Client
	endpointName string
	breaker      *gobreaker.CircuitBreaker
}

// NewSMDetector constructs a Detector for endpointName, assuming
// assumedRole if set.
func NewSMDetector(ctx context.Context, region, endpointName, assumedRole string) (*SMDetector, error) {
	cfg, err := awsutil.LoadConfig(ctx, region, assumedRole)
	if err != nil {
		return nil, err
	}
	return &SMDetector{
		client:       sagemakerruntime.NewFromConfig(cfg),
		endpointName: endpointName,
		breaker:      newBreaker(endpointName),
	}, nil
}

// FindFeatures invokes the endpoint, retrying transient failures with
// jittered exponential backoff and tripping the circuit breaker on
// repeated failure independent of the capacity throttle's counter.
func (d *SMDetector) FindFeatures(ctx context.Context, payload []byte) (*geojson.FeatureCollection, error) {
	result, err := d.breaker.Execute(func() (interface{}, error) {
		var out *geojson.FeatureCollection
		err := retry.Do(ctx, retry.DefaultPolicy, func(ctx context.Context) error {
			resp, err := d.client.InvokeEndpoint(ctx, &sagemakerruntime.InvokeEndpointInput{
				EndpointName: aws.String(d.endpointName),
				ContentType:  aws.String("application/octet-stream"),
				Body:         payload,
			})
			if err != nil {
				return classifyError(err)
			}

			fc, err := geojson.UnmarshalFeatureCollection(resp.Body)
			if err != nil {
				return retry.AsPermanent(fmt.Errorf("decode endpoint response: %w", err))
			}
			out = fc
			return nil
		})
		return out, err
	})
	if err != nil {
		slog.Error("sync detector invocation failed", "endpoint", d.endpointName, "error", err)
		return nil, fmt.Errorf("invoke %s: %w", d.endpointName, err)
	}
	return result.(*geojson.FeatureCollection), nil
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
}

// classifyError tags an AWS SDK error as transient (retryable) or
// permanent based on the smithy-go response metadata, matching the error
// taxonomy in SPEC_FULL.md §7: 5xx/throttling is transient, 4xx is
// permanent.
func classifyError(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return retry.AsTransient(err)
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return retry.AsPermanent(err)
		}
	}
	return retry.AsTransient(err)
}
