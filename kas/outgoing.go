package kas

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"time"

	"github.com/openkim/kimgate/directory"
	"github.com/openkim/kimgate/logger"
	"github.com/openkim/kimgate/mailpart"
	"github.com/openkim/kimgate/pipeline"
	"github.com/openkim/kimgate/pkg/metrics"
)

// Context keys of the offload namespaces. The caller writes the serialized
// message (and recipients, outgoing) into the operation's namespace and
// reads the possibly transformed message back.
const (
	OpOutgoing = "kas.outgoing"
	OpIncoming = "kas.incoming"

	KeyMessage    = "message"    // in/out: []byte
	KeyRecipients = "recipients" // in, outgoing only: []string
	KeyOffloaded  = "offloaded"  // out, outgoing only: bool
)

// Outgoing offloads oversized messages to the attachment store before they
// are signed and encrypted. Messages at or below the threshold, messages
// already carrying a placeholder, and messages to recipients without KAS
// support pass through untouched.
type Outgoing struct {
	Store     Store
	Resolver  directory.Resolver
	Threshold int64
	Expiry    time.Duration
	TempDir   string
}

func (o *Outgoing) Name() string { return OpOutgoing }

func (o *Outgoing) Execute(ctx context.Context, env *pipeline.Context) error {
	raw, _ := env.Get(OpOutgoing, KeyMessage)
	message, ok := raw.([]byte)
	if !ok || len(message) == 0 {
		return pipeline.Errorf(OpOutgoing, pipeline.CodeInternal, "no message in context")
	}
	var recipients []string
	if v, ok := env.Get(OpOutgoing, KeyRecipients); ok {
		recipients, _ = v.([]string)
	}

	env.Set(OpOutgoing, KeyOffloaded, false)

	tree, err := mailpart.Inspect(message)
	if err != nil {
		return pipeline.Wrap(OpOutgoing, pipeline.CodeKasRead, err)
	}

	// Re-running the offload decision on an already-offloaded message must
	// not offload again.
	if tree.HasXKas() {
		env.Set(OpOutgoing, KeyMessage, message)
		return nil
	}

	// Offload triggers strictly above the threshold.
	total := tree.SumTotalSize()
	if total <= o.Threshold {
		env.Set(OpOutgoing, KeyMessage, message)
		return nil
	}

	if !o.anyRecipientSupportsKas(ctx, env, recipients) {
		env.Log().Debug("no recipient supports offload, passing message through", "size", total)
		env.Set(OpOutgoing, KeyMessage, message)
		return nil
	}

	transformed, err := o.offload(ctx, env, message, tree, total)
	if err != nil {
		metrics.KasTransfersTotal.WithLabelValues("upload", "failure").Inc()
		metrics.KasErrors.WithLabelValues(string(pipeline.CodeOf(err))).Inc()
		return err
	}
	metrics.KasTransfersTotal.WithLabelValues("upload", "success").Inc()
	env.Set(OpOutgoing, KeyMessage, transformed)
	env.Set(OpOutgoing, KeyOffloaded, true)
	return nil
}

func (o *Outgoing) anyRecipientSupportsKas(ctx context.Context, env *pipeline.Context, recipients []string) bool {
	if o.Resolver == nil {
		return true
	}
	for _, addr := range recipients {
		version, err := o.Resolver.KimVersion(ctx, addr)
		if err != nil {
			env.Log().Warn("directory lookup failed during offload gate", "address", addr, "error", err)
			continue
		}
		if directory.SupportsKas(version) {
			return true
		}
	}
	return false
}

func (o *Outgoing) offload(ctx context.Context, env *pipeline.Context, message []byte, tree *mailpart.Content, total int64) ([]byte, error) {
	start := time.Now()

	// The full MIME message goes to a temporary file first; both the
	// plaintext and ciphertext files are removed on every path.
	plainFile, err := os.CreateTemp(o.TempDir, "kas-plain-*.tmp")
	if err != nil {
		return nil, pipeline.Wrap(OpOutgoing, pipeline.CodeKasRead, err)
	}
	plainPath := plainFile.Name()
	defer removeTemp(plainPath)

	if _, err := plainFile.Write(message); err != nil {
		plainFile.Close()
		return nil, pipeline.Wrap(OpOutgoing, pipeline.CodeKasRead, err)
	}
	if err := plainFile.Close(); err != nil {
		return nil, pipeline.Wrap(OpOutgoing, pipeline.CodeKasRead, err)
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, pipeline.Wrap(OpOutgoing, pipeline.CodeKasEncrypt, err)
	}

	cipherFile, err := os.CreateTemp(o.TempDir, "kas-cipher-*.tmp")
	if err != nil {
		return nil, pipeline.Wrap(OpOutgoing, pipeline.CodeKasEncrypt, err)
	}
	cipherPath := cipherFile.Name()
	cipherFile.Close()
	defer removeTemp(cipherPath)

	if err := EncryptFile(cipherPath, plainPath, key); err != nil {
		return nil, pipeline.Wrap(OpOutgoing, pipeline.CodeKasEncrypt, err)
	}

	ct, err := os.Open(cipherPath)
	if err != nil {
		return nil, pipeline.Wrap(OpOutgoing, pipeline.CodeKasEncrypt, err)
	}
	defer ct.Close()
	info, err := ct.Stat()
	if err != nil {
		return nil, pipeline.Wrap(OpOutgoing, pipeline.CodeKasEncrypt, err)
	}

	link, err := o.Store.Upload(ctx, ct, info.Size(), o.Expiry)
	if err != nil {
		var se *StoreError
		if errors.As(err, &se) {
			return nil, pipeline.Wrap(OpOutgoing, se.Code, se)
		}
		return nil, pipeline.Wrap(OpOutgoing, pipeline.CodeKasUpload, err)
	}
	metrics.KasTransferBytes.WithLabelValues("upload").Add(float64(info.Size()))
	metrics.KasTransferDuration.WithLabelValues("upload").Observe(time.Since(start).Seconds())

	// Hash is over the plaintext, computed before the body is replaced.
	hash, err := HashFileBase64(plainPath)
	if err != nil {
		return nil, pipeline.Wrap(OpOutgoing, pipeline.CodeKasRead, err)
	}

	meta := &MetaObj{
		Hash: hash,
		K:    encodeKey(key),
		Link: link,
		Size: int64(len(message)),
		Type: "message/rfc822",
		Name: offloadName(tree),
	}
	metaJSON, err := meta.MarshalPretty()
	if err != nil {
		return nil, pipeline.Wrap(OpOutgoing, pipeline.CodeInternal, err)
	}

	transformed, err := mailpart.SpliceXKas(message, metaJSON)
	if err != nil {
		return nil, pipeline.Wrap(OpOutgoing, pipeline.CodeInternal, err)
	}

	env.Log().Info("message offloaded to attachment store",
		"plaintext_bytes", len(message), "accounted_bytes", total, "link", link)
	return transformed, nil
}

// offloadName derives the metadata filename. A single named attachment
// lends its name; the serialized full message otherwise travels under a
// fixed name.
func offloadName(tree *mailpart.Content) string {
	name := "nachricht.eml"
	var walk func(*mailpart.Content)
	found := 0
	var candidate string
	walk = func(c *mailpart.Content) {
		if c.IsAttachment() && c.Filename != "" {
			found++
			candidate = c.Filename
		}
		for _, child := range c.Children {
			walk(child)
		}
	}
	walk(tree)
	if found == 1 {
		return candidate
	}
	return name
}

func encodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

func removeTemp(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to remove temporary file", "path", path, "error", err)
	}
}
