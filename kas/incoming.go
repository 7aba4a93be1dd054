package kas

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"lukechampine.com/blake3"

	"github.com/openkim/kimgate/mailpart"
	"github.com/openkim/kimgate/pipeline"
	"github.com/openkim/kimgate/pkg/metrics"
)

// AttachmentCache caches decrypted, integrity-checked attachment payloads
// so repeated RETRs of the same message do not hit the store again.
type AttachmentCache interface {
	Get(key string) ([]byte, error)
	Put(key string, data []byte) error
}

// Incoming resolves x-kas placeholder parts: it downloads the ciphertext,
// decrypts it, checks integrity and reinstates the original content.
// Messages without a placeholder pass through untouched.
type Incoming struct {
	Store Store
	Cache AttachmentCache
}

func (in *Incoming) Name() string { return OpIncoming }

func (in *Incoming) Execute(ctx context.Context, env *pipeline.Context) error {
	raw, _ := env.Get(OpIncoming, KeyMessage)
	message, ok := raw.([]byte)
	if !ok || len(message) == 0 {
		return pipeline.Errorf(OpIncoming, pipeline.CodeInternal, "no message in context")
	}

	tree, err := mailpart.Inspect(message)
	if err != nil {
		return pipeline.Wrap(OpIncoming, pipeline.CodeKasMetaInvalid, err)
	}
	placeholder := tree.FindXKas()
	if placeholder == nil {
		env.Set(OpIncoming, KeyMessage, message)
		return nil
	}

	meta, err := ParseMeta(placeholder.Body)
	if err != nil {
		return pipeline.Wrap(OpIncoming, pipeline.CodeKasMetaInvalid, err)
	}

	plaintext, degraded, err := in.fetch(ctx, env, meta)
	if err != nil {
		metrics.KasTransfersTotal.WithLabelValues("download", "failure").Inc()
		metrics.KasErrors.WithLabelValues(string(pipeline.CodeOf(err))).Inc()
		return err
	}
	if degraded != nil {
		// Rate limited: the message survives, carrying a note about the
		// attachment that could not be fetched yet.
		metrics.KasTransfersTotal.WithLabelValues("download", "rate_limited").Inc()
		env.Set(OpIncoming, KeyMessage, degraded)
		return nil
	}
	metrics.KasTransfersTotal.WithLabelValues("download", "success").Inc()

	restored, err := mailpart.Reinstate(message, meta.Name, meta.Type, plaintext)
	if err != nil {
		return pipeline.Wrap(OpIncoming, pipeline.CodeInternal, err)
	}
	env.Set(OpIncoming, KeyMessage, restored)
	return nil
}

// fetch returns the verified plaintext, or a degraded replacement message
// when the store rate-limits the download.
func (in *Incoming) fetch(ctx context.Context, env *pipeline.Context, meta *MetaObj) (plaintext, degraded []byte, err error) {
	cacheKey := cacheKeyFor(meta.Link)
	if in.Cache != nil {
		if data, err := in.Cache.Get(cacheKey); err == nil && data != nil {
			// The hash check applies to cached plaintext too; the metadata
			// arrives with every message and may differ from the one the
			// entry was verified against.
			if HashBase64(data) != meta.Hash {
				return nil, nil, pipeline.Errorf(OpIncoming, pipeline.CodeKasHashMismatch,
					"plaintext hash does not match metadata for link %s", meta.Link)
			}
			env.Log().Debug("attachment cache hit", "link", meta.Link)
			metrics.CacheOperationsTotal.WithLabelValues("get", "hit").Inc()
			return data, nil, nil
		}
		metrics.CacheOperationsTotal.WithLabelValues("get", "miss").Inc()
	}

	key, err := base64.StdEncoding.DecodeString(meta.K)
	if err != nil {
		return nil, nil, pipeline.Wrap(OpIncoming, pipeline.CodeKasMetaInvalid,
			fmt.Errorf("attachment key is not valid base64: %w", err))
	}

	start := time.Now()
	body, err := in.Store.Download(ctx, meta.Link)
	if err != nil {
		if IsRateLimited(err) {
			env.Log().Warn("attachment store rate limited, degrading", "link", meta.Link)
			note, derr := degradationNote(meta)
			if derr != nil {
				return nil, nil, pipeline.Wrap(OpIncoming, pipeline.CodeInternal, derr)
			}
			raw, _ := env.Get(OpIncoming, KeyMessage)
			message, _ := raw.([]byte)
			degraded, derr := mailpart.AttachText(message, degradationFilename(meta.Name), note)
			if derr != nil {
				return nil, nil, pipeline.Wrap(OpIncoming, pipeline.CodeInternal, derr)
			}
			return nil, degraded, nil
		}
		var se *StoreError
		if errors.As(err, &se) {
			return nil, nil, pipeline.Wrap(OpIncoming, se.Code, se)
		}
		return nil, nil, pipeline.Wrap(OpIncoming, pipeline.CodeKasDownload, err)
	}
	defer body.Close()

	ciphertext, err := io.ReadAll(body)
	if err != nil {
		return nil, nil, pipeline.Wrap(OpIncoming, pipeline.CodeKasDownload, err)
	}
	metrics.KasTransferBytes.WithLabelValues("download").Add(float64(len(ciphertext)))
	metrics.KasTransferDuration.WithLabelValues("download").Observe(time.Since(start).Seconds())

	// The GCM tag check catches tampering here, before the hash comparison.
	data, err := Decrypt(key, ciphertext)
	if err != nil {
		return nil, nil, pipeline.Wrap(OpIncoming, pipeline.CodeKasDecrypt, err)
	}

	// The hash guards against corruption of the plaintext; a mismatch is a
	// hard integrity failure, never tolerated.
	if HashBase64(data) != meta.Hash {
		return nil, nil, pipeline.Errorf(OpIncoming, pipeline.CodeKasHashMismatch,
			"plaintext hash does not match metadata for link %s", meta.Link)
	}

	if in.Cache != nil {
		if err := in.Cache.Put(cacheKey, data); err != nil {
			env.Log().Warn("failed to cache attachment", "link", meta.Link, "error", err)
			metrics.CacheOperationsTotal.WithLabelValues("put", "error").Inc()
		} else {
			metrics.CacheOperationsTotal.WithLabelValues("put", "success").Inc()
		}
	}
	return data, nil, nil
}

// cacheKeyFor derives the cache key from the retrieval link.
func cacheKeyFor(link string) string {
	sum := blake3.Sum256([]byte(link))
	return hex.EncodeToString(sum[:])
}

// degradationFilename builds "<original-name-without-extension>_Fehlermeldung.txt".
func degradationFilename(name string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	if base == "" {
		base = "anhang"
	}
	return base + "_Fehlermeldung.txt"
}

// degradationNote describes the attachment that exists but could not be
// fetched yet.
func degradationNote(meta *MetaObj) ([]byte, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Der Anhang konnte nicht abgerufen werden (Abrufdienst überlastet).\r\n\r\n")
	fmt.Fprintf(&b, "Name:  %s\r\n", meta.Name)
	fmt.Fprintf(&b, "Größe: %d Bytes\r\n", meta.Size)
	fmt.Fprintf(&b, "Typ:   %s\r\n", meta.Type)
	fmt.Fprintf(&b, "\r\nBitte rufen Sie die Nachricht später erneut ab.\r\n")
	return []byte(b.String()), nil
}
