package factory

import (
	"context"
	"fmt"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go/logging"
	"github.com/go-logr/logr"

	"github.com/secplat/posture-pipeline/internal/config"
)

// CreateS3Client builds the error archive client. Without static credentials the default
// aws chain (environment, web identity, instance profile) is used.
func CreateS3Client(ctx context.Context, conf config.S3, logger logr.Logger) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(conf.Region),
		awsconfig.WithLogger(awsLogger{logger}),
	}

	if conf.Creds.AccessKeyID != "" && conf.Creds.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(conf.Creds.AccessKeyID, conf.Creds.SecretAccessKey, ""),
		))
	}

	if conf.BaseEndpoint != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(endpointURL(conf.BaseEndpoint)))
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create aws config for bucket %s: %w", conf.Bucket, err)
	}

	ret := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		o.UsePathStyle = conf.UsePathStyle
	})

	return ret, nil
}

// endpointURL defaults to https for bare host:port endpoints.
func endpointURL(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}

	return "https://" + endpoint
}

// awsLogger forwards sdk warnings at info level, and debug messages at V(3).
type awsLogger struct {
	logger logr.Logger
}

func (a awsLogger) Logf(classification logging.Classification, format string, v ...any) {
	switch classification {
	case logging.Warn:
		a.logger.V(0).Info(fmt.Sprintf(format, v...), "classification", string(classification))
	case logging.Debug:
		a.logger.V(3).Info(fmt.Sprintf(format, v...))
	}
}
