package apps3

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

// LogKey returns the object key of a job's full build log.
func LogKey(jobID uuid.UUID) string {
	return "builds/" + jobID.String() + "/log"
}

// LogStore archives build logs.
type LogStore struct {
	client *s3.Client

	// uploadPartSize should be greater than or equal 5MB.
	// See github.com/aws/aws-sdk-go-v2/feature/s3/manager.
	uploadPartSize int64

	// downloadPartSize should be greater than or equal 5MB.
	// See github.com/aws/aws-sdk-go-v2/feature/s3/manager.
	downloadPartSize int64
}

func NewLogStore(client *s3.Client) *LogStore {
	return &LogStore{
		client:           client,
		uploadPartSize:   10 * 1024 * 1024, // 10MB
		downloadPartSize: 10 * 1024 * 1024, // 10MB
	}
}

// Upload stores the log read from r and returns its key.
func (s *LogStore) Upload(ctx context.Context, jobID uuid.UUID, r io.Reader) (string, error) {
	uploader := manager.NewUploader(s.client, func(u *manager.Uploader) {
		u.PartSize = s.uploadPartSize
	})

	key := LogKey(jobID)
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      &BucketName,
		Key:         &key,
		Body:        r,
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return "", fmt.Errorf("apps3.LogStore: %w", err)
	}
	return key, nil
}

// Download writes the log stored under key to w.
// It returns ErrNotFound when there is no such log.
func (s *LogStore) Download(ctx context.Context, key string, w io.Writer) error {
	downloader := manager.NewDownloader(s.client, func(d *manager.Downloader) {
		d.PartSize = s.downloadPartSize
		d.Concurrency = 1
	})

	// fakeWriterAt needs manager.Downloader.Concurrency set to 1.
	_, err := downloader.Download(ctx, fakeWriterAt{w}, &s3.GetObjectInput{
		Bucket: &BucketName,
		Key:    &key,
	})
	if err != nil {
		if apiErr := smithy.APIError(nil); errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NotFound") {
			err = errors.Join(ErrNotFound, err)
		}
		return fmt.Errorf("apps3.LogStore: %w", err)
	}
	return nil
}

// fakeWriterAt wraps an io.Writer to provide a fake WriteAt method.
// This method simply calls w.Write ignoring the offset parameter.
// It can be used with manager.Downloader.Download if its concurrency
// is set to 1 because this guarantees the sequential writes.
type fakeWriterAt struct {
	w io.Writer // required
}

func (writerAt fakeWriterAt) WriteAt(p []byte, _ int64) (n int, err error) {
	return writerAt.w.Write(p)
}
