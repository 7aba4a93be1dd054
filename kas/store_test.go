package kas

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkim/kimgate/pipeline"
)

func TestHTTPStoreUpload(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/attachments", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("X-Expires"))
		var err error
		gotBody, err = io.ReadAll(r.Body)
		require.NoError(t, err)
		json.NewEncoder(w).Encode(map[string]string{"link": "http://" + r.Host + "/attachments/obj1"})
	}))
	defer srv.Close()

	store := NewHTTPStore(srv.URL)
	link, err := store.Upload(context.Background(), strings.NewReader("ciphertext"), 10, time.Hour)
	require.NoError(t, err)
	assert.Contains(t, link, "/attachments/")
	assert.Equal(t, "ciphertext", string(gotBody))
}

func TestHTTPStoreUploadErrorCodes(t *testing.T) {
	tests := []struct {
		status int
		code   pipeline.Code
	}{
		{http.StatusBadRequest, pipeline.CodeKasUploadBadRequest},
		{http.StatusUnauthorized, pipeline.CodeKasUploadUnauthorized},
		{http.StatusRequestEntityTooLarge, pipeline.CodeKasUploadTooLarge},
		{http.StatusInsufficientStorage, pipeline.CodeKasUploadInsufficient},
		{http.StatusInternalServerError, pipeline.CodeKasUploadServerError},
		{http.StatusBadGateway, pipeline.CodeKasUploadServerError},
		{http.StatusTeapot, pipeline.CodeKasUpload},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "store says no", tt.status)
			}))
			defer srv.Close()

			store := NewHTTPStore(srv.URL)
			_, err := store.Upload(context.Background(), strings.NewReader("x"), 1, time.Hour)
			require.Error(t, err)

			var se *StoreError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.code, se.Code)
			assert.Equal(t, tt.status, se.Status)
			assert.Contains(t, se.Msg, "store says no")
		})
	}
}

func TestHTTPStoreUploadMissingLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	store := NewHTTPStore(srv.URL)
	_, err := store.Upload(context.Background(), strings.NewReader("x"), 1, time.Hour)
	require.Error(t, err)
	var se *StoreError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, pipeline.CodeKasUpload, se.Code)
}

func TestHTTPStoreDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Write([]byte("ciphertext"))
		case "/gone":
			http.Error(w, "no such object", http.StatusNotFound)
		case "/expired":
			http.Error(w, "link expired", http.StatusForbidden)
		case "/busy":
			http.Error(w, "slow down", http.StatusTooManyRequests)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()
	store := NewHTTPStore(srv.URL)

	body, err := store.Download(context.Background(), srv.URL+"/ok")
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	body.Close()
	require.NoError(t, err)
	assert.Equal(t, "ciphertext", string(data))

	tests := []struct {
		path        string
		code        pipeline.Code
		rateLimited bool
	}{
		{"/gone", pipeline.CodeKasDownloadNotFound, false},
		{"/expired", pipeline.CodeKasDownloadForbidden, false},
		{"/busy", pipeline.CodeKasDownloadRateLimited, true},
		{"/other", pipeline.CodeKasDownload, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			_, err := store.Download(context.Background(), srv.URL+tt.path)
			require.Error(t, err)
			var se *StoreError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.code, se.Code)
			assert.Equal(t, tt.rateLimited, IsRateLimited(err))
		})
	}
}

func TestStoreErrorMessage(t *testing.T) {
	withStatus := &StoreError{Code: pipeline.CodeKasDownloadNotFound, Status: 404, Msg: "gone"}
	assert.Contains(t, withStatus.Error(), "404")
	assert.Contains(t, withStatus.Error(), "KAS_DOWNLOAD_NOT_FOUND")

	withoutStatus := &StoreError{Code: pipeline.CodeKasUpload, Msg: "dial tcp: refused"}
	assert.NotContains(t, withoutStatus.Error(), "HTTP")
}
