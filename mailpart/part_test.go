package mailpart

import (
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func simpleMessage() []byte {
	return []byte("From: a@kim.example\r\n" +
		"Subject: Test\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Hallo Welt\r\n")
}

func mixedMessage(t *testing.T, attachmentSize int) []byte {
	t.Helper()
	payload := strings.Repeat("A", attachmentSize)
	encoded := base64.StdEncoding.EncodeToString([]byte(payload))

	var b strings.Builder
	b.WriteString("From: a@kim.example\r\n")
	b.WriteString("Subject: Befund\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: multipart/mixed; boundary=mp-test\r\n\r\n")
	b.WriteString("--mp-test\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString("Siehe Anhang.\r\n")
	b.WriteString("--mp-test\r\n")
	b.WriteString("Content-Type: application/pdf\r\n")
	b.WriteString("Content-Disposition: attachment; filename=\"befund.pdf\"\r\n")
	b.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")
	b.WriteString(encoded)
	b.WriteString("\r\n--mp-test--\r\n")
	return []byte(b.String())
}

func TestInspectSimpleMessage(t *testing.T) {
	tree, err := Inspect(simpleMessage())
	require.NoError(t, err)

	assert.Equal(t, KindText, tree.Kind)
	assert.Equal(t, DispositionNormal, tree.Disposition)
	assert.Equal(t, "text/plain", tree.MediaType)
	assert.Equal(t, "Hallo Welt\r\n", string(tree.Body))
	assert.Empty(t, tree.Children)
}

func TestInspectMultipart(t *testing.T) {
	tree, err := Inspect(mixedMessage(t, 100))
	require.NoError(t, err)

	assert.Equal(t, KindMultipart, tree.Kind)
	require.Len(t, tree.Children, 2)

	text := tree.Children[0]
	assert.Equal(t, KindText, text.Kind)
	assert.False(t, text.IsAttachment())

	pdf := tree.Children[1]
	assert.Equal(t, KindBinary, pdf.Kind)
	assert.True(t, pdf.IsAttachment())
	assert.Equal(t, "befund.pdf", pdf.Filename)
	assert.Equal(t, "base64", pdf.TransferEncoding)
	assert.Len(t, pdf.Body, 100, "body is the decoded payload")
}

func TestInspectKinds(t *testing.T) {
	tests := []struct {
		mediaType string
		want      Kind
	}{
		{"text/html", KindText},
		{"multipart/alternative", KindMultipart},
		{"message/rfc822", KindMessage},
		{"message/disposition-notification", KindDispositionNotification},
		{"message/delivery-status", KindDeliveryStatus},
		{"application/octet-stream", KindBinary},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, kindOf(tt.mediaType), "media type %q", tt.mediaType)
	}
}

func TestSumTotalSizeInflatesBase64Attachments(t *testing.T) {
	tree, err := Inspect(mixedMessage(t, 1000))
	require.NoError(t, err)

	text := tree.Children[0]
	pdf := tree.Children[1]
	expected := int64(len(text.Body)) + int64(float64(len(pdf.Body))*Base64Inflation)
	assert.Equal(t, expected, tree.SumTotalSize(),
		"attachments count inflated, inline text counts plain")
}

func TestSpliceAndFindXKas(t *testing.T) {
	original := mixedMessage(t, 500)
	metaJSON := []byte(`{"hash":"h","k":"k","link":"l","size":500}`)

	spliced, err := SpliceXKas(original, metaJSON)
	require.NoError(t, err)

	tree, err := Inspect(spliced)
	require.NoError(t, err)
	assert.True(t, tree.HasXKas())

	placeholder := tree.FindXKas()
	require.NotNil(t, placeholder)
	assert.Equal(t, DispositionXKas, placeholder.Disposition)
	assert.Equal(t, "text/plain", placeholder.MediaType)
	assert.Equal(t, metaJSON, placeholder.Body)

	// Envelope headers survive, the old MIME structure does not.
	assert.Contains(t, string(spliced), "Subject: Befund")
	assert.NotContains(t, string(spliced), "mp-test")

	// The original message has no placeholder.
	origTree, err := Inspect(original)
	require.NoError(t, err)
	assert.False(t, origTree.HasXKas())
	assert.Nil(t, origTree.FindXKas())
}

func TestSpliceDropsAllContentHeaders(t *testing.T) {
	original := []byte("Subject: Befund\r\n" +
		"Content-Type: application/pdf\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"Content-Description: Laborwerte\r\n" +
		"Content-Language: de\r\n" +
		"\r\n" +
		"JVBERi0=\r\n")
	metaJSON := []byte(`{"hash":"h","k":"k","link":"l","size":8}`)

	spliced, err := SpliceXKas(original, metaJSON)
	require.NoError(t, err)

	assert.Contains(t, string(spliced), "Subject: Befund")
	assert.NotContains(t, string(spliced), "Content-Description")
	assert.NotContains(t, string(spliced), "Content-Language")
	assert.NotContains(t, string(spliced), "application/pdf")
	assert.NotContains(t, string(spliced), "base64")

	tree, err := Inspect(spliced)
	require.NoError(t, err)
	assert.Equal(t, DispositionXKas, tree.Disposition)
	assert.Equal(t, "text/plain", tree.MediaType)
}

func TestReinstateFullMessageIsVerbatim(t *testing.T) {
	placeholder := []byte("Subject: x\r\nContent-Disposition: x-kas\r\n\r\nmeta\r\n")
	original := mixedMessage(t, 200)

	restored, err := Reinstate(placeholder, "nachricht.eml", "message/rfc822", original)
	require.NoError(t, err)
	assert.Equal(t, original, restored, "message objects are returned byte for byte")

	restored, err = Reinstate(placeholder, "", "", original)
	require.NoError(t, err)
	assert.Equal(t, original, restored, "missing type is treated as a full message")
}

func TestReinstatePlainAttachment(t *testing.T) {
	metaJSON := []byte(`{"hash":"h","k":"k","link":"l","size":4}`)
	placeholder, err := SpliceXKas(simpleMessage(), metaJSON)
	require.NoError(t, err)

	data := []byte("%PDF-1.7 fake")
	restored, err := Reinstate(placeholder, "befund.pdf", "application/pdf", data)
	require.NoError(t, err)

	tree, err := Inspect(restored)
	require.NoError(t, err)
	assert.False(t, tree.HasXKas())
	assert.True(t, tree.IsAttachment())
	assert.Equal(t, "befund.pdf", tree.Filename)
	assert.Equal(t, "application/pdf", tree.MediaType)
	assert.Equal(t, data, tree.Body)
}

func TestAttachText(t *testing.T) {
	combined, err := AttachText(simpleMessage(), "befund_Fehlermeldung.txt", []byte("Anhang fehlt noch."))
	require.NoError(t, err)

	tree, err := Inspect(combined)
	require.NoError(t, err)
	assert.Equal(t, KindMultipart, tree.Kind)
	require.Len(t, tree.Children, 2)

	body := tree.Children[0]
	assert.Equal(t, "Hallo Welt\r\n", string(body.Body), "original body survives as first part")

	note := tree.Children[1]
	assert.True(t, note.IsAttachment())
	assert.Equal(t, "befund_Fehlermeldung.txt", note.Filename)
	assert.Equal(t, "Anhang fehlt noch.", string(note.Body))

	assert.Contains(t, string(combined), "Subject: Test")
}

func TestDispositionParsing(t *testing.T) {
	tests := []struct {
		header string
		want   Disposition
	}{
		{"Content-Disposition: attachment; filename=\"a.pdf\"\r\n", DispositionAttachment},
		{"Content-Disposition: x-kas\r\n", DispositionXKas},
		{"Content-Disposition: X-KAS\r\n", DispositionXKas},
		{"Content-Disposition: inline\r\n", DispositionNormal},
		{"", DispositionNormal},
	}
	for _, tt := range tests {
		raw := fmt.Sprintf("Content-Type: text/plain\r\n%s\r\nbody\r\n", tt.header)
		tree, err := Inspect([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, tt.want, tree.Disposition, "header %q", tt.header)
	}
}
