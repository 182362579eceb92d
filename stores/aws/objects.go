package aws

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"catalog-editor/core"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
)

type s3Store struct {
	s3Client *s3.Client
	presign  *s3.PresignClient
	bucket   string
	urlTTL   time.Duration
}

// NewObjectStore creates a new S3-based object store. Download URLs are
// presigned GETs valid for urlTTL.
func NewObjectStore(bucketName string, urlTTL time.Duration) *s3Store {
	cfg, err := config.LoadDefaultConfig(context.TODO())
	if err != nil {
		log.Fatalf("unable to load SDK config, %v", err)
	}

	s3Client := s3.NewFromConfig(cfg)

	return &s3Store{
		s3Client: s3Client,
		presign:  s3.NewPresignClient(s3Client),
		bucket:   bucketName,
		urlTTL:   urlTTL,
	}
}

func (s *s3Store) Upload(ctx context.Context, path string, body io.Reader, contentType string) (core.ObjectRef, error) {
	// PutObject needs a known length for unseekable bodies.
	data, err := io.ReadAll(body)
	if err != nil {
		return core.ObjectRef{}, fmt.Errorf("failed to read object body: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(path),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.s3Client.PutObject(ctx, input); err != nil {
		return core.ObjectRef{}, fmt.Errorf("failed to upload object %s: %w", path, err)
	}

	logrus.WithFields(logrus.Fields{"bucket": s.bucket, "path": path, "size": len(data)}).Info("Object uploaded")
	return core.ObjectRef{Path: path, Size: int64(len(data)), ContentType: contentType}, nil
}

func (s *s3Store) DownloadURL(ctx context.Context, ref core.ObjectRef) (string, error) {
	_, err := s.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref.Path),
	})
	if err != nil {
		var nf *s3types.NotFound
		if errors.As(err, &nf) {
			return "", core.NewNotFoundError("objects", ref.Path)
		}
		return "", fmt.Errorf("failed to stat object %s: %w", ref.Path, err)
	}

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref.Path),
	}, s3.WithPresignExpires(s.urlTTL))
	if err != nil {
		return "", fmt.Errorf("failed to presign object %s: %w", ref.Path, err)
	}
	return req.URL, nil
}

func (s *s3Store) Delete(ctx context.Context, path string) error {
	_, err := s.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return core.NewNotFoundError("objects", path)
		}
		return fmt.Errorf("failed to delete object %s: %w", path, err)
	}
	logrus.WithFields(logrus.Fields{"bucket": s.bucket, "path": path}).Info("Object deleted")
	return nil
}
