package storage

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/protoreel/worker/internal/retry"
)

// Upload timeout per attempt. Generous for final videos that can run to
// hundreds of megabytes.
const uploadTimeout = 5 * time.Minute

// Config holds the R2 connection settings. R2 is S3-compatible, so the AWS
// SDK talks to it through a custom endpoint.
type Config struct {
	EndpointURL     string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	PublicBaseURL   string // CDN/public domain fronting the bucket
}

// Storage uploads finished videos to Cloudflare R2.
type Storage struct {
	client        *s3.Client
	bucket        string
	publicBaseURL string
	policy        retry.Policy
}

func New(ctx context.Context, cfg Config) (*Storage, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		// R2 ignores the region but the SDK requires one
		awsconfig.WithRegion("auto"),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load R2 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.EndpointURL)
		o.UsePathStyle = true
	})

	return &Storage{
		client:        client,
		bucket:        cfg.Bucket,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		policy:        retry.Default,
	}, nil
}

// VideoKey builds the canonical object key for a task's final video.
func VideoKey(taskID, filename string) string {
	return path.Join("videos", taskID, filename)
}

// UploadFile uploads a local file under key and returns its public URL.
// Transient failures are retried with backoff; each attempt gets its own
// timeout so one stalled connection cannot eat the whole retry budget.
func (s *Storage) UploadFile(ctx context.Context, key, localPath, contentType string) (string, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", localPath, err)
	}

	log.Printf("[Storage] Uploading %s (%.1fMB) to %s", localPath, float64(info.Size())/1024/1024, key)

	err = s.policy.Do(ctx, "r2 upload", func(ctx context.Context) error {
		// Reopen per attempt: the SDK consumes the reader
		f, err := os.Open(localPath)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", localPath, err)
		}
		defer f.Close()

		attemptCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
		defer cancel()

		_, err = s.client.PutObject(attemptCtx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			Body:          f,
			ContentType:   aws.String(contentType),
			ContentLength: aws.Int64(info.Size()),
		})
		if err != nil {
			return fmt.Errorf("r2 put object failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	url := s.PublicURL(key)
	log.Printf("[Storage] Upload complete: %s", url)
	return url, nil
}

// PublicURL returns the externally reachable URL for an object key.
func (s *Storage) PublicURL(key string) string {
	return s.publicBaseURL + "/" + key
}
