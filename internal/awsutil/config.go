// Package awsutil centralizes the AWS SDK v2 config/credentials wiring
// shared by every component that talks to an AWS service (queues, sinks,
// status topics, detectors): region selection and optional per-call STS
// AssumeRole, ported from the original service's assumed-role credential
// vending (credentials_utils.py) so a sink or endpoint in another account
// can be addressed without a second deployment.
package awsutil

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// LoadConfig loads the default AWS SDK v2 config for region, optionally
// layering in an AssumeRole credentials provider when assumedRole is
// non-empty.
func LoadConfig(ctx context.Context, region, assumedRole string) (aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}

	if assumedRole == "" {
		return cfg, nil
	}

	stsClient := sts.NewFromConfig(cfg)
	cfg.Credentials = aws.NewCredentialsCache(assumeRoleProvider{
		client:  stsClient,
		roleArn: assumedRole,
	})
	return cfg, nil
}

// assumeRoleProvider is a minimal aws.CredentialsProvider backed by
// sts:AssumeRole, avoiding a dependency on the separate
// aws-sdk-go-v2-credentials/stscreds module for a single call shape.
type assumeRoleProvider struct {
	client  *sts.Client
	roleArn string
}

func (p assumeRoleProvider) Retrieve(ctx context.Context) (aws.Credentials, error) {
	out, err := p.client.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(p.roleArn),
		RoleSessionName: aws.String("model-runner"),
	})
	if err != nil {
		return aws.Credentials{}, fmt.Errorf("assume role %s: %w", p.roleArn, err)
	}

	creds := out.Credentials
	return aws.Credentials{
		AccessKeyID:     aws.ToString(creds.AccessKeyId),
		SecretAccessKey: aws.ToString(creds.SecretAccessKey),
		SessionToken:    aws.ToString(creds.SessionToken),
		CanExpire:       true,
		Expires:         aws.ToTime(creds.Expiration),
	}, nil
}
