package recordings

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"call-lead-pipeline/internal/config"
)

// Resolver turns a stored recording locator into a URL the speech-to-text
// service can fetch. https locators pass through untouched; s3:// locators
// are presigned so the bucket can stay private.
type Resolver struct {
	presigner *s3.PresignClient
	ttl       time.Duration
}

func NewResolver(ctx context.Context, cfg config.Config) (*Resolver, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.RecordingS3Region),
	}
	if cfg.RecordingS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.RecordingS3Endpoint,
					HostnameImmutable: cfg.RecordingS3PathStyle,
					SigningRegion:     cfg.RecordingS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.RecordingS3PathStyle
	})

	ttl := cfg.RecordingPresignTTL
	if ttl == 0 {
		ttl = 15 * time.Minute
	}
	return &Resolver{presigner: s3.NewPresignClient(client), ttl: ttl}, nil
}

// Resolve returns a fetchable URL for the locator.
func (r *Resolver) Resolve(ctx context.Context, locator string) (string, error) {
	switch {
	case strings.HasPrefix(locator, "http://"), strings.HasPrefix(locator, "https://"):
		return locator, nil
	case strings.HasPrefix(locator, "s3://"):
		bucket, key, err := splitS3(locator)
		if err != nil {
			return "", err
		}
		req, err := r.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		}, s3.WithPresignExpires(r.ttl))
		if err != nil {
			return "", fmt.Errorf("presign recording %s: %w", locator, err)
		}
		return req.URL, nil
	default:
		return "", fmt.Errorf("unsupported recording locator scheme: %s", locator)
	}
}

func splitS3(locator string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(locator, "s3://")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed s3 locator: %s", locator)
	}
	return parts[0], parts[1], nil
}
