// Package report builds the replacement messages a client receives when
// the decrypt/verify or offload pipeline fails: a delivery-status-style
// error report or a wrapper embedding the original message. The client
// always gets something parseable, never a silent drop.
package report

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/k3a/html2text"

	"github.com/openkim/kimgate/pipeline"
)

// Failure is one pipeline failure rendered into a report.
type Failure struct {
	Code    pipeline.Code
	Address string // affected mail address, "" for message-level failures
	Detail  string
}

// messageHeader seeds the envelope of a generated report.
func messageHeader(hostname, subject string) message.Header {
	var h message.Header
	h.Set("From", fmt.Sprintf("KIM Gateway <postmaster@%s>", hostname))
	h.Set("Subject", subject)
	h.Set("Date", time.Now().Format(time.RFC1123Z))
	h.Set("MIME-Version", "1.0")
	return h
}

// renderFailures produces the human-readable failure listing.
func renderFailures(failures []Failure) string {
	var b strings.Builder
	b.WriteString("Die Nachricht konnte nicht vollständig verarbeitet werden.\r\n\r\n")
	for _, f := range failures {
		if f.Address != "" {
			fmt.Fprintf(&b, "- [%s] %s: %s\r\n", f.Code, f.Address, f.Detail)
		} else {
			fmt.Fprintf(&b, "- [%s] %s\r\n", f.Code, f.Detail)
		}
	}
	return b.String()
}

// BuildErrorReport produces a multipart/report message in the style of a
// delivery status notification. The delivery-status part carries one
// machine-readable status block per failure.
func BuildErrorReport(hostname string, failures []Failure) ([]byte, error) {
	top := messageHeader(hostname, "Fehlerbericht zur Nachrichtenverarbeitung")
	top.Set("Content-Type", "multipart/report; report-type=delivery-status")

	var textHeader message.Header
	textHeader.Set("Content-Type", "text/plain; charset=utf-8")
	textPart, err := message.New(textHeader, strings.NewReader(renderFailures(failures)))
	if err != nil {
		return nil, fmt.Errorf("failed to build report text part: %w", err)
	}

	var statusBody strings.Builder
	fmt.Fprintf(&statusBody, "Reporting-MTA: dns; %s\r\n\r\n", hostname)
	for _, f := range failures {
		if f.Address != "" {
			fmt.Fprintf(&statusBody, "Final-Recipient: rfc822; %s\r\n", f.Address)
		}
		fmt.Fprintf(&statusBody, "Action: failed\r\nStatus: 5.0.0\r\nDiagnostic-Code: %s; %s\r\n\r\n", f.Code, f.Detail)
	}
	var statusHeader message.Header
	statusHeader.Set("Content-Type", "message/delivery-status")
	statusPart, err := message.New(statusHeader, strings.NewReader(statusBody.String()))
	if err != nil {
		return nil, fmt.Errorf("failed to build delivery-status part: %w", err)
	}

	combined, err := message.NewMultipart(top, []*message.Entity{textPart, statusPart})
	if err != nil {
		return nil, fmt.Errorf("failed to build report message: %w", err)
	}

	var buf bytes.Buffer
	if err := combined.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize report message: %w", err)
	}
	return buf.Bytes(), nil
}

// BuildEmbeddedOriginal wraps the (possibly still encrypted or unverified)
// original message in a report that explains the failures and attaches the
// original as message/rfc822. HTML originals additionally get a plaintext
// rendering so the explanation is readable everywhere.
func BuildEmbeddedOriginal(hostname string, failures []Failure, original []byte) ([]byte, error) {
	top := messageHeader(hostname, "Nachricht mit Verarbeitungsfehlern")
	top.Set("Content-Type", "multipart/mixed")

	explanation := renderFailures(failures)
	if preview := htmlPreview(original); preview != "" {
		explanation += "\r\n--- Nachrichtenvorschau ---\r\n" + preview + "\r\n"
	}

	var textHeader message.Header
	textHeader.Set("Content-Type", "text/plain; charset=utf-8")
	textPart, err := message.New(textHeader, strings.NewReader(explanation))
	if err != nil {
		return nil, fmt.Errorf("failed to build explanation part: %w", err)
	}

	var origHeader message.Header
	origHeader.Set("Content-Type", "message/rfc822")
	origHeader.Set("Content-Disposition", "attachment; filename=\"original.eml\"")
	origPart, err := message.New(origHeader, bytes.NewReader(original))
	if err != nil {
		return nil, fmt.Errorf("failed to build original part: %w", err)
	}

	combined, err := message.NewMultipart(top, []*message.Entity{textPart, origPart})
	if err != nil {
		return nil, fmt.Errorf("failed to build wrapper message: %w", err)
	}

	var buf bytes.Buffer
	if err := combined.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize wrapper message: %w", err)
	}
	return buf.Bytes(), nil
}

// htmlPreview extracts a short plaintext rendering from an HTML body, ""
// when the original has none.
func htmlPreview(original []byte) string {
	entity, err := message.Read(bytes.NewReader(original))
	if err != nil && !message.IsUnknownCharset(err) {
		return ""
	}
	body := findHTML(entity)
	if body == "" {
		return ""
	}
	text := strings.TrimSpace(html2text.HTML2Text(body))
	const maxPreview = 1024
	if len(text) > maxPreview {
		text = text[:maxPreview] + "…"
	}
	return text
}

func findHTML(entity *message.Entity) string {
	mediaType, _, _ := entity.Header.ContentType()
	if mediaType == "text/html" {
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(entity.Body); err != nil {
			return ""
		}
		return buf.String()
	}
	if mr := entity.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if err != nil {
				return ""
			}
			if body := findHTML(part); body != "" {
				return body
			}
		}
	}
	return ""
}
