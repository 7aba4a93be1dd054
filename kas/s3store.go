package kas

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/openkim/kimgate/logger"
	"github.com/openkim/kimgate/pipeline"
)

// S3Store serves the attachment-store contract from any S3-compatible
// bucket. Links are opaque object keys; the bucket stays private, which is
// sufficient because the payload is ciphertext and the key travels inside
// the mail envelope.
type S3Store struct {
	client *minio.Client
	bucket string
}

func NewS3Store(endpoint, accessKey, secretKey, bucket string, useTLS bool) (*S3Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useTLS,
	})
	if err != nil {
		logger.Error("failed to initialize attachment store client", "endpoint", endpoint, "error", err)
		return nil, fmt.Errorf("failed to initialize s3 attachment store: %w", err)
	}
	return &S3Store{client: client, bucket: bucket}, nil
}

func (s *S3Store) Upload(ctx context.Context, body io.Reader, size int64, ttl time.Duration) (string, error) {
	keyBytes := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, keyBytes); err != nil {
		return "", &StoreError{Code: pipeline.CodeKasUpload, Msg: err.Error()}
	}
	objectKey := hex.EncodeToString(keyBytes)

	_, err := s.client.PutObject(ctx, s.bucket, objectKey, body, size, minio.PutObjectOptions{
		ContentType:    "application/octet-stream",
		SendContentMd5: true,
		Expires:        time.Now().Add(ttl),
	})
	if err != nil {
		return "", mapS3Error(err, true)
	}
	return objectKey, nil
}

func (s *S3Store) Download(ctx context.Context, link string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, link, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapS3Error(err, false)
	}
	// GetObject is lazy; surface missing objects now instead of on first read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, mapS3Error(err, false)
	}
	return obj, nil
}

// mapS3Error translates minio error responses onto the store's code
// taxonomy so both backends fail identically from the pipeline's view.
func mapS3Error(err error, upload bool) *StoreError {
	var resp minio.ErrorResponse
	if !errors.As(err, &resp) {
		code := pipeline.CodeKasDownload
		if upload {
			code = pipeline.CodeKasUpload
		}
		return &StoreError{Code: code, Msg: err.Error()}
	}

	if upload {
		switch {
		case resp.StatusCode == http.StatusBadRequest:
			return &StoreError{Code: pipeline.CodeKasUploadBadRequest, Status: resp.StatusCode, Msg: resp.Message}
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return &StoreError{Code: pipeline.CodeKasUploadUnauthorized, Status: resp.StatusCode, Msg: resp.Message}
		case resp.StatusCode == http.StatusRequestEntityTooLarge:
			return &StoreError{Code: pipeline.CodeKasUploadTooLarge, Status: resp.StatusCode, Msg: resp.Message}
		case resp.StatusCode == http.StatusInsufficientStorage:
			return &StoreError{Code: pipeline.CodeKasUploadInsufficient, Status: resp.StatusCode, Msg: resp.Message}
		case resp.StatusCode >= 500:
			return &StoreError{Code: pipeline.CodeKasUploadServerError, Status: resp.StatusCode, Msg: resp.Message}
		default:
			return &StoreError{Code: pipeline.CodeKasUpload, Status: resp.StatusCode, Msg: resp.Message}
		}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &StoreError{Code: pipeline.CodeKasDownloadNotFound, Status: resp.StatusCode, Msg: resp.Message}
	case resp.StatusCode == http.StatusForbidden:
		return &StoreError{Code: pipeline.CodeKasDownloadForbidden, Status: resp.StatusCode, Msg: resp.Message}
	case resp.StatusCode == http.StatusTooManyRequests || resp.Code == "SlowDown":
		return &StoreError{Code: pipeline.CodeKasDownloadRateLimited, Status: resp.StatusCode, Msg: resp.Message}
	default:
		return &StoreError{Code: pipeline.CodeKasDownload, Status: resp.StatusCode, Msg: resp.Message}
	}
}
