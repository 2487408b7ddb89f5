package upload

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"github.com/apiprobe/apiprobe/pkg/config"
)

const defaultKeyPrefix = "reports/runs"

// s3Uploader stores report artifacts in an S3-compatible bucket under
// <prefix>/<run-id>/.
type s3Uploader struct {
	log    logrus.FieldLogger
	cfg    *config.S3UploadConfig
	client *s3.Client
}

// Ensure interface compliance.
var _ Uploader = (*s3Uploader)(nil)

// NewS3Uploader creates an uploader from the given configuration. Without
// explicit credentials the SDK's default provider chain applies.
func NewS3Uploader(
	log logrus.FieldLogger,
	cfg *config.S3UploadConfig,
) (Uploader, error) {
	opts := s3.Options{
		Region:       cfg.Region,
		UsePathStyle: cfg.ForcePathStyle,
	}

	if opts.Region == "" {
		opts.Region = "us-east-1"
	}

	if cfg.EndpointURL != "" {
		opts.BaseEndpoint = aws.String(cfg.EndpointURL)
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)
	}

	return &s3Uploader{
		log:    log.WithField("component", "s3-uploader"),
		cfg:    cfg,
		client: s3.New(opts),
	}, nil
}

// Preflight writes a marker object under the configured prefix. A wrong
// bucket, endpoint, or credential set fails here instead of after the run.
func (u *s3Uploader) Preflight(ctx context.Context) error {
	key := path.Join(u.keyPrefix(), ".write-check")
	stamp := time.Now().UTC().Format(time.RFC3339)

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader("apiprobe write check " + stamp),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing s3://%s/%s: %w", u.cfg.Bucket, key, err)
	}

	return nil
}

// Upload stores the run's report file as a single JSON object.
func (u *s3Uploader) Upload(ctx context.Context, runID, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("opening report: %w", err)
	}
	defer func() { _ = f.Close() }()

	key := u.objectKey(runID, filepath.Base(localPath))

	input := &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/json"),
	}

	if u.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(u.cfg.StorageClass)
	}

	if u.cfg.ACL != "" {
		input.ACL = s3types.ObjectCannedACL(u.cfg.ACL)
	}

	if _, err := u.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("PutObject s3://%s/%s: %w", u.cfg.Bucket, key, err)
	}

	u.log.WithFields(logrus.Fields{
		"bucket": u.cfg.Bucket,
		"key":    key,
	}).Info("Report uploaded")

	return key, nil
}

func (u *s3Uploader) keyPrefix() string {
	p := strings.Trim(u.cfg.Prefix, "/")
	if p == "" {
		p = defaultKeyPrefix
	}

	return p
}

func (u *s3Uploader) objectKey(runID, base string) string {
	return path.Join(u.keyPrefix(), runID, base)
}
