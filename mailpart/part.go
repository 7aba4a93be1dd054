// Package mailpart builds the content tree of a MIME message and implements
// the x-kas placeholder convention: tagging parts by kind and disposition,
// attachment-aware size accounting for the offload decision, splicing a
// placeholder over the body and reinstating the original content.
package mailpart

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"

	"github.com/openkim/kimgate/logger"
)

// Base64Inflation approximates the wire growth of base64 transfer encoding
// when predicting the transmitted size of an attachment.
const Base64Inflation = 1.37

// XKasDisposition is the private Content-Disposition value marking a
// placeholder part whose real content was offloaded. It is not a registered
// IANA value and must be preserved exactly.
const XKasDisposition = "x-kas"

// Kind tags a node by its content class.
type Kind int

const (
	KindBinary Kind = iota
	KindText
	KindMultipart
	KindMessage
	KindDispositionNotification
	KindDeliveryStatus
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindMultipart:
		return "multipart"
	case KindMessage:
		return "message"
	case KindDispositionNotification:
		return "disposition-notification"
	case KindDeliveryStatus:
		return "delivery-status"
	default:
		return "binary"
	}
}

// Disposition tags how a node is presented.
type Disposition int

const (
	DispositionNormal Disposition = iota
	DispositionAttachment
	DispositionXKas
)

func (d Disposition) String() string {
	switch d {
	case DispositionAttachment:
		return "attachment"
	case DispositionXKas:
		return XKasDisposition
	default:
		return "normal"
	}
}

// Content is one node of the MIME tree. The tree is rebuilt from scratch
// for every message inspected and never mutated in place except by
// SpliceXKas and Reinstate.
type Content struct {
	Kind             Kind
	Disposition      Disposition
	MediaType        string
	Params           map[string]string
	Filename         string
	TransferEncoding string
	Header           message.Header
	Body             []byte // decoded body, leaves only
	Children         []*Content
}

// Inspect parses a serialized message and builds its content tree.
func Inspect(raw []byte) (*Content, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return inspectEntity(entity)
}

func inspectEntity(entity *message.Entity) (*Content, error) {
	mediaType, params, err := entity.Header.ContentType()
	if err != nil {
		mediaType = "text/plain"
		params = nil
	}

	node := &Content{
		MediaType:        mediaType,
		Params:           params,
		TransferEncoding: strings.ToLower(entity.Header.Get("Content-Transfer-Encoding")),
		Header:           entity.Header,
	}
	node.Kind = kindOf(mediaType)
	node.Disposition, node.Filename = dispositionOf(entity.Header)

	if mr := entity.MultipartReader(); mr != nil {
		node.Kind = KindMultipart
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read multipart: %w", err)
			}
			child, err := inspectEntity(part)
			if err != nil {
				return nil, err
			}
			node.Children = append(node.Children, child)
		}
		return node, nil
	}

	body, err := io.ReadAll(entity.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read part body: %w", err)
	}
	node.Body = body
	return node, nil
}

func kindOf(mediaType string) Kind {
	switch {
	case mediaType == "message/disposition-notification":
		return KindDispositionNotification
	case mediaType == "message/delivery-status":
		return KindDeliveryStatus
	case strings.HasPrefix(mediaType, "message/"):
		return KindMessage
	case strings.HasPrefix(mediaType, "multipart/"):
		return KindMultipart
	case strings.HasPrefix(mediaType, "text/"):
		return KindText
	default:
		return KindBinary
	}
}

func dispositionOf(h message.Header) (Disposition, string) {
	disp, params, err := h.ContentDisposition()
	if err != nil {
		// A bare "x-kas" token without parameters still has to be honored;
		// fall back to the raw header value.
		disp = strings.ToLower(strings.TrimSpace(h.Get("Content-Disposition")))
	}
	switch strings.ToLower(disp) {
	case XKasDisposition:
		return DispositionXKas, params["filename"]
	case "attachment":
		return DispositionAttachment, params["filename"]
	default:
		return DispositionNormal, params["filename"]
	}
}

// copyHeader clones an entity header so the original parse result stays
// untouched while we rewrite structure headers.
func copyHeader(h message.Header) message.Header {
	return message.Header{Header: h.Header.Copy()}
}

// IsAttachment reports whether the node counts as attachment bytes rather
// than body bytes.
func (c *Content) IsAttachment() bool {
	return c.Disposition == DispositionAttachment
}

// size returns the node's contribution to the total transmitted size.
// Base64-encoded attachments contribute their decoded size inflated by the
// transfer-encoding factor.
func (c *Content) size() int64 {
	n := int64(len(c.Body))
	if c.IsAttachment() && c.TransferEncoding == "base64" {
		return int64(float64(n) * Base64Inflation)
	}
	return n
}

// SumTotalSize walks the tree and returns the accounted total size. It is
// the sole basis for the offload threshold decision.
func (c *Content) SumTotalSize() int64 {
	total := c.size()
	for _, child := range c.Children {
		total += child.SumTotalSize()
	}
	return total
}

// FindXKas returns the first node whose disposition is x-kas, or nil.
func (c *Content) FindXKas() *Content {
	if c.Disposition == DispositionXKas {
		return c
	}
	for _, child := range c.Children {
		if found := child.FindXKas(); found != nil {
			return found
		}
	}
	return nil
}

// HasXKas reports whether the message already carries a placeholder part.
// An already-offloaded message must never be offloaded again.
func (c *Content) HasXKas() bool {
	return c.FindXKas() != nil
}

// SpliceXKas replaces the entire message body with a single
// text/plain; charset=utf-8 part whose disposition is x-kas and whose body
// is the metadata JSON. All prior MIME structure headers are stripped; the
// envelope headers of the original message are preserved.
func SpliceXKas(raw []byte, metaJSON []byte) ([]byte, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to parse message for splice: %w", err)
	}

	h := copyHeader(entity.Header)
	// Every Content-* header describes the replaced body, including the
	// rarer ones like Content-Description and Content-Language.
	fields := h.Fields()
	for fields.Next() {
		if strings.HasPrefix(strings.ToLower(fields.Key()), "content-") {
			fields.Del()
		}
	}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Content-Disposition", XKasDisposition)

	placeholder, err := message.New(h, bytes.NewReader(metaJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to build placeholder part: %w", err)
	}

	var buf bytes.Buffer
	if err := placeholder.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize placeholder message: %w", err)
	}
	return buf.Bytes(), nil
}

// Reinstate undoes the placeholder substitution. When the offloaded object
// is a full message (the outgoing side serializes the whole MIME message),
// the decrypted bytes are the original message and are returned verbatim,
// giving a byte-identical round trip. For a plain attachment object the
// placeholder message is rebuilt around an attachment part carrying the
// original filename and type.
func Reinstate(raw []byte, name, mediaType string, data []byte) ([]byte, error) {
	if mediaType == "" || strings.HasPrefix(mediaType, "message/") {
		return data, nil
	}

	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to parse placeholder message: %w", err)
	}

	h := copyHeader(entity.Header)
	h.Del("Content-Disposition")
	h.Set("Content-Type", mediaType)
	h.Set("Content-Transfer-Encoding", "base64")
	if name != "" {
		h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	} else {
		h.Set("Content-Disposition", "attachment")
	}

	// message.New expects the body in the transfer encoding named by the
	// header (it decodes on read; WriteTo re-encodes), so hand it the
	// base64 form of the attachment bytes.
	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(data)))
	base64.StdEncoding.Encode(encoded, data)
	restored, err := message.New(h, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild attachment part: %w", err)
	}

	var buf bytes.Buffer
	if err := restored.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize restored message: %w", err)
	}
	return buf.Bytes(), nil
}

// AttachText appends a text attachment to a message, used for the
// rate-limit degradation path where the real attachment could not be
// fetched yet. The message keeps its existing body; the note is delivered
// as a sibling attachment in a new multipart/mixed envelope.
func AttachText(raw []byte, filename string, text []byte) ([]byte, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	top := copyHeader(entity.Header)
	top.Del("Content-Transfer-Encoding")
	top.Del("Content-Disposition")
	top.Set("Content-Type", "multipart/mixed")

	// Original body becomes the first child, structure headers intact.
	var bodyHeader message.Header
	if ct := entity.Header.Get("Content-Type"); ct != "" {
		bodyHeader.Set("Content-Type", ct)
	} else {
		bodyHeader.Set("Content-Type", "text/plain; charset=utf-8")
	}
	if cte := entity.Header.Get("Content-Transfer-Encoding"); cte != "" {
		bodyHeader.Set("Content-Transfer-Encoding", cte)
	}
	bodyData, err := io.ReadAll(entity.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	bodyPart, err := message.New(bodyHeader, bytes.NewReader(bodyData))
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild body part: %w", err)
	}

	var noteHeader message.Header
	noteHeader.Set("Content-Type", "text/plain; charset=utf-8")
	noteHeader.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	notePart, err := message.New(noteHeader, bytes.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("failed to build note part: %w", err)
	}

	combined, err := message.NewMultipart(top, []*message.Entity{bodyPart, notePart})
	if err != nil {
		return nil, fmt.Errorf("failed to build multipart message: %w", err)
	}

	var buf bytes.Buffer
	if err := combined.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize message: %w", err)
	}
	logger.Debug("attached degradation note", "filename", filename, "bytes", len(text))
	return buf.Bytes(), nil
}
