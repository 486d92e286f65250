package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/seashore/seashore-services-uploads/logging"
	"github.com/seashore/seashore-services-uploads/models"
)

// ObjectStorage fronts the S3-compatible bucket holding finished recordings.
type ObjectStorage interface {
	CreateMultipartUpload(ctx context.Context, key string, contentType string) (string, error)
	PresignUploadPart(ctx context.Context, key string, uploadID string, partNumber int32, ttl time.Duration) (string, error)
	CompleteMultipartUpload(ctx context.Context, key string, uploadID string, parts []models.PartReceipt) (string, error)
	AbortMultipartUpload(ctx context.Context, key string, uploadID string) error
	AbortStaleMultipartUploads(ctx context.Context, prefix string, olderThan time.Duration) error
	PutObject(ctx context.Context, key string, body []byte, contentType string) error
	ObjectSize(ctx context.Context, key string) (int64, error)
	ObjectExists(ctx context.Context, key string) (bool, error)
	PresignDownload(ctx context.Context, key string, ttl time.Duration) (string, error)
}

type S3ObjectStorageImpl struct {
	client     *s3.Client
	presigner  *s3.PresignClient
	bucketName string

	logger logging.Logger
}

func NewS3ObjectStorageImpl(client *s3.Client, bucketName string, l logging.Logger) *S3ObjectStorageImpl {
	return &S3ObjectStorageImpl{
		client:     client,
		presigner:  s3.NewPresignClient(client),
		bucketName: bucketName,
		logger:     l,
	}
}

func (s *S3ObjectStorageImpl) CreateMultipartUpload(ctx context.Context, key string, contentType string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("key cannot be empty")
	}

	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucketName),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		s.logger.Error("failed to create multipart upload", "key", key, "error", err)
		return "", fmt.Errorf("failed to create multipart upload: %w", err)
	}

	s.logger.Info("created multipart upload", "key", key, "upload_id", *out.UploadId)
	return *out.UploadId, nil
}

func (s *S3ObjectStorageImpl) PresignUploadPart(ctx context.Context, key string, uploadID string, partNumber int32, ttl time.Duration) (string, error) {
	if uploadID == "" {
		return "", fmt.Errorf("uploadID cannot be empty")
	}
	if partNumber < 1 {
		return "", fmt.Errorf("partNumber must be positive")
	}

	presigned, err := s.presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(s.bucketName),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(partNumber),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		s.logger.Error("failed to presign part upload", "key", key, "part_number", partNumber, "error", err)
		return "", fmt.Errorf("failed to presign part %d: %w", partNumber, err)
	}

	s.logger.Debug("presigned part upload", "key", key, "part_number", partNumber)
	return presigned.URL, nil
}

// CompleteMultipartUpload stitches the parts into the final object. Parts
// are sorted ascending by part number before the request is issued.
func (s *S3ObjectStorageImpl) CompleteMultipartUpload(ctx context.Context, key string, uploadID string, parts []models.PartReceipt) (string, error) {
	if len(parts) == 0 {
		return "", fmt.Errorf("cannot complete upload with zero parts")
	}

	sorted := make([]models.PartReceipt, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].PartNumber < sorted[j].PartNumber
	})

	completed := make([]types.CompletedPart, len(sorted))
	for i, p := range sorted {
		completed[i] = types.CompletedPart{
			PartNumber: aws.Int32(p.PartNumber),
			ETag:       aws.String(p.ETag),
		}
	}

	out, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucketName),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		s.logger.Error("failed to complete multipart upload", "key", key, "upload_id", uploadID, "error", err)
		return "", fmt.Errorf("failed to complete multipart upload: %w", err)
	}

	s.logger.Info("completed multipart upload", "key", key, "upload_id", uploadID, "parts", len(completed))

	location := key
	if out.Location != nil {
		location = *out.Location
	}
	return location, nil
}

func (s *S3ObjectStorageImpl) AbortMultipartUpload(ctx context.Context, key string, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucketName),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	return err
}

// AbortStaleMultipartUploads cleans up uploads whose initiation is older
// than the given age, so abandoned sessions do not accumulate storage fees.
func (s *S3ObjectStorageImpl) AbortStaleMultipartUploads(ctx context.Context, prefix string, olderThan time.Duration) error {
	out, err := s.client.ListMultipartUploads(ctx, &s3.ListMultipartUploadsInput{
		Bucket: aws.String(s.bucketName),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		s.logger.Error("failed to list multipart uploads", "prefix", prefix, "error", err)
		return fmt.Errorf("failed to list multipart uploads: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	aborted := 0
	for _, upload := range out.Uploads {
		if upload.Initiated != nil && upload.Initiated.After(cutoff) {
			continue
		}

		_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucketName),
			Key:      upload.Key,
			UploadId: upload.UploadId,
		})
		if err != nil {
			s.logger.Error("failed to abort stale multipart upload", "upload_id", *upload.UploadId, "key", *upload.Key, "error", err)
			// keep going, the rest may still succeed
			continue
		}
		aborted++
	}

	s.logger.Info("aborted stale multipart uploads", "prefix", prefix, "aborted_count", aborted)
	return nil
}

func (s *S3ObjectStorageImpl) PutObject(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		s.logger.Error("failed to put object", "key", key, "error", err)
		return fmt.Errorf("failed to put object: %w", err)
	}

	s.logger.Info("put object", "key", key, "size", len(body))
	return nil
}

func (s *S3ObjectStorageImpl) ObjectSize(ctx context.Context, key string) (int64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to head object: %w", err)
	}
	if out.ContentLength == nil {
		return 0, nil
	}
	return *out.ContentLength, nil
}

func (s *S3ObjectStorageImpl) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
		return false, nil
	}

	s.logger.Error("failed to check object existence", "key", key, "error", err)
	return false, fmt.Errorf("failed to check object existence: %w", err)
}

func (s *S3ObjectStorageImpl) PresignDownload(ctx context.Context, key string, ttl time.Duration) (string, error) {
	presigned, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("failed to presign download: %w", err)
	}
	return presigned.URL, nil
}
