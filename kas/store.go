package kas

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openkim/kimgate/pipeline"
)

// Store is the attachment store the offload protocol talks to. Upload
// returns an opaque retrieval link; Download resolves one.
type Store interface {
	Upload(ctx context.Context, body io.Reader, size int64, ttl time.Duration) (string, error)
	Download(ctx context.Context, link string) (io.ReadCloser, error)
}

// StoreError is a store failure with a distinct, user-diagnosable code.
// Upload and download failures are never collapsed into a generic error.
type StoreError struct {
	Code   pipeline.Code
	Status int
	Msg    string
}

func (e *StoreError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("attachment store: %s (HTTP %d): %s", e.Code, e.Status, e.Msg)
	}
	return fmt.Sprintf("attachment store: %s: %s", e.Code, e.Msg)
}

// IsRateLimited reports whether err is the HTTP 429 download case that
// triggers the degradation path instead of failing the message.
func IsRateLimited(err error) bool {
	se, ok := err.(*StoreError)
	return ok && se.Code == pipeline.CodeKasDownloadRateLimited
}

// HTTPStore talks to the native attachment-store HTTP API:
// POST {endpoint}/attachments uploads and returns {"link": "..."},
// GET {link} downloads the ciphertext.
type HTTPStore struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPStore(endpoint string) *HTTPStore {
	return &HTTPStore{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 5 * time.Minute},
	}
}

func (s *HTTPStore) Upload(ctx context.Context, body io.Reader, size int64, ttl time.Duration) (string, error) {
	url := s.Endpoint + "/attachments"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return "", &StoreError{Code: pipeline.CodeKasUpload, Msg: err.Error()}
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Expires", time.Now().Add(ttl).UTC().Format(time.RFC3339))

	resp, err := s.Client.Do(req)
	if err != nil {
		return "", &StoreError{Code: pipeline.CodeKasUpload, Msg: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return "", uploadError(resp)
	}

	var result struct {
		Link string `json:"link"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || result.Link == "" {
		return "", &StoreError{Code: pipeline.CodeKasUpload, Status: resp.StatusCode,
			Msg: "store response carried no link"}
	}
	return result.Link, nil
}

// uploadError maps non-2xx upload responses one-to-one onto distinct codes.
func uploadError(resp *http.Response) *StoreError {
	msg := readErrorBody(resp)
	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return &StoreError{Code: pipeline.CodeKasUploadBadRequest, Status: resp.StatusCode, Msg: msg}
	case resp.StatusCode == http.StatusUnauthorized:
		return &StoreError{Code: pipeline.CodeKasUploadUnauthorized, Status: resp.StatusCode, Msg: msg}
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return &StoreError{Code: pipeline.CodeKasUploadTooLarge, Status: resp.StatusCode, Msg: msg}
	case resp.StatusCode == http.StatusInsufficientStorage:
		return &StoreError{Code: pipeline.CodeKasUploadInsufficient, Status: resp.StatusCode, Msg: msg}
	case resp.StatusCode >= 500:
		return &StoreError{Code: pipeline.CodeKasUploadServerError, Status: resp.StatusCode, Msg: msg}
	default:
		return &StoreError{Code: pipeline.CodeKasUpload, Status: resp.StatusCode, Msg: msg}
	}
}

func (s *HTTPStore) Download(ctx context.Context, link string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, &StoreError{Code: pipeline.CodeKasDownload, Msg: err.Error()}
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, &StoreError{Code: pipeline.CodeKasDownload, Msg: err.Error()}
	}

	switch {
	case resp.StatusCode/100 == 2:
		return resp.Body, nil
	case resp.StatusCode == http.StatusNotFound:
		defer resp.Body.Close()
		return nil, &StoreError{Code: pipeline.CodeKasDownloadNotFound, Status: resp.StatusCode, Msg: readErrorBody(resp)}
	case resp.StatusCode == http.StatusForbidden:
		defer resp.Body.Close()
		return nil, &StoreError{Code: pipeline.CodeKasDownloadForbidden, Status: resp.StatusCode, Msg: readErrorBody(resp)}
	case resp.StatusCode == http.StatusTooManyRequests:
		defer resp.Body.Close()
		return nil, &StoreError{Code: pipeline.CodeKasDownloadRateLimited, Status: resp.StatusCode, Msg: readErrorBody(resp)}
	default:
		defer resp.Body.Close()
		return nil, &StoreError{Code: pipeline.CodeKasDownload, Status: resp.StatusCode, Msg: readErrorBody(resp)}
	}
}

func readErrorBody(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 512))
	if err != nil || len(data) == 0 {
		return resp.Status
	}
	return string(data)
}
