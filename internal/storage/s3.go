package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/sdko-org/blog-api/internal/config"
	"github.com/sirupsen/logrus"
)

type S3Storage struct {
	client   *s3.S3
	uploader *s3manager.Uploader
	cfg      config.S3Config
	log      *logrus.Entry
}

func NewS3Storage(logger *logrus.Logger, cfg config.S3Config) (*S3Storage, error) {
	awsConfig := &aws.Config{
		Region:           aws.String(cfg.Region),
		S3ForcePathStyle: aws.Bool(cfg.ForcePathStyle),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("s3 session: %w", err)
	}

	return &S3Storage{
		client:   s3.New(sess),
		uploader: s3manager.NewUploader(sess),
		cfg:      cfg,
		log: logger.WithFields(logrus.Fields{
			"component": "s3_storage",
			"bucket":    cfg.Bucket,
		}),
	}, nil
}

func (s *S3Storage) Put(ctx context.Context, key string, body io.Reader, contentType string, metadata map[string]string) error {
	input := &s3manager.UploadInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}
	if len(metadata) > 0 {
		input.Metadata = aws.StringMap(metadata)
	}

	if _, err := s.uploader.UploadWithContext(ctx, input); err != nil {
		s.log.WithFields(logrus.Fields{"key": key, "error": err}).Error("S3 upload failed")
		return fmt.Errorf("s3 upload failed: %w", err)
	}
	s.log.WithField("key", key).Debug("Stored object")
	return nil
}

func (s *S3Storage) Get(ctx context.Context, key string) (*Object, error) {
	resp, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("s3 get failed: %w", err)
	}

	return &Object{
		Body:        resp.Body,
		ContentType: aws.StringValue(resp.ContentType),
		Size:        aws.Int64Value(resp.ContentLength),
		Metadata:    aws.StringValueMap(resp.Metadata),
	}, nil
}

func (s *S3Storage) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3 delete failed: %w", err)
	}
	return nil
}

func (s *S3Storage) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	resp, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("s3 head failed: %w", err)
	}

	return &ObjectInfo{
		Key:          key,
		Size:         aws.Int64Value(resp.ContentLength),
		ContentType:  aws.StringValue(resp.ContentType),
		ETag:         strings.Trim(aws.StringValue(resp.ETag), `"`),
		LastModified: aws.TimeValue(resp.LastModified),
	}, nil
}

func (s *S3Storage) List(ctx context.Context, prefix string, max int64) ([]ObjectInfo, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(prefix),
	}
	if max > 0 {
		input.MaxKeys = aws.Int64(max)
	}

	resp, err := s.client.ListObjectsV2WithContext(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("s3 list failed: %w", err)
	}

	objects := make([]ObjectInfo, 0, len(resp.Contents))
	for _, obj := range resp.Contents {
		objects = append(objects, ObjectInfo{
			Key:          aws.StringValue(obj.Key),
			Size:         aws.Int64Value(obj.Size),
			ETag:         strings.Trim(aws.StringValue(obj.ETag), `"`),
			LastModified: aws.TimeValue(obj.LastModified),
		})
	}
	return objects, nil
}

// URL is the public address of key: path-style under a custom endpoint,
// virtual-hosted on AWS.
func (s *S3Storage) URL(key string) string {
	return ObjectURL(s.cfg, key)
}

func ObjectURL(cfg config.S3Config, key string) string {
	if cfg.Endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(cfg.Endpoint, "/"), cfg.Bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", cfg.Bucket, cfg.Region, key)
}

// KeyFromURL reverses ObjectURL. It reports false for URLs outside the bucket.
func KeyFromURL(cfg config.S3Config, url string) (string, bool) {
	prefix := ObjectURL(cfg, "")
	if !strings.HasPrefix(url, prefix) || len(url) == len(prefix) {
		return "", false
	}
	return strings.TrimPrefix(url, prefix), true
}

func (s *S3Storage) Ping(ctx context.Context) error {
	_, err := s.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.cfg.Bucket),
		MaxKeys: aws.Int64(1),
	})
	if err != nil {
		return fmt.Errorf("s3 ping failed: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var aerr awserr.RequestFailure
	if errors.As(err, &aerr) {
		return aerr.StatusCode() == http.StatusNotFound
	}
	var cerr awserr.Error
	if errors.As(err, &cerr) {
		return cerr.Code() == s3.ErrCodeNoSuchKey || cerr.Code() == "NotFound"
	}
	return false
}
