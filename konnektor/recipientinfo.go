package konnektor

import (
	"bytes"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"

	"github.com/emersion/go-message"
)

var oidEnvelopedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 3}

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,tag:0"`
}

type envelopedData struct {
	Version              int
	OriginatorInfo       asn1.RawValue   `asn1:"optional,tag:0"`
	RecipientInfos       []asn1.RawValue `asn1:"set"`
	EncryptedContentInfo asn1.RawValue
	UnprotectedAttrs     asn1.RawValue `asn1:"optional,tag:1"`
}

type issuerAndSerial struct {
	Issuer asn1.RawValue
	Serial *big.Int
}

type keyTransRecipientInfo struct {
	Version                int
	RID                    issuerAndSerial
	KeyEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedKey           []byte
}

// IssuerSerialsFromMail pulls the candidate issuer+serial pairs out of an
// S/MIME encrypted message's recipient infos. These drive the decrypt-mode
// card selection: only a card whose encryption certificate matches one of
// them can open the message. An empty result with nil error means the
// message carries no encrypted part at all.
func IssuerSerialsFromMail(raw []byte) ([]IssuerSerial, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	der := findPKCS7(entity)
	if der == nil {
		return nil, nil
	}
	return issuerSerialsFromContentInfo(der)
}

// findPKCS7 walks the MIME tree for the first pkcs7-mime part and returns
// its decoded body.
func findPKCS7(entity *message.Entity) []byte {
	mediaType, _, _ := entity.Header.ContentType()
	switch mediaType {
	case "application/pkcs7-mime", "application/x-pkcs7-mime":
		data, err := io.ReadAll(entity.Body)
		if err != nil {
			return nil
		}
		return data
	}
	if mr := entity.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if err != nil {
				return nil
			}
			if data := findPKCS7(part); data != nil {
				return data
			}
		}
	}
	return nil
}

func issuerSerialsFromContentInfo(der []byte) ([]IssuerSerial, error) {
	var ci contentInfo
	if _, err := asn1.Unmarshal(der, &ci); err != nil {
		return nil, fmt.Errorf("failed to parse CMS content info: %w", err)
	}
	if !ci.ContentType.Equal(oidEnvelopedData) {
		return nil, fmt.Errorf("unexpected CMS content type %v", ci.ContentType)
	}

	var env envelopedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &env); err != nil {
		return nil, fmt.Errorf("failed to parse CMS enveloped data: %w", err)
	}

	var candidates []IssuerSerial
	for _, ri := range env.RecipientInfos {
		// Only key-transport recipient infos identified by issuer and serial
		// are usable for card matching; other variants are skipped.
		var ktri keyTransRecipientInfo
		if _, err := asn1.Unmarshal(ri.FullBytes, &ktri); err != nil {
			continue
		}
		var rdn pkix.RDNSequence
		if _, err := asn1.Unmarshal(ktri.RID.Issuer.FullBytes, &rdn); err != nil {
			continue
		}
		var name pkix.Name
		name.FillFromRDNSequence(&rdn)
		candidates = append(candidates, IssuerSerial{Issuer: name.String(), Serial: ktri.RID.Serial})
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("enveloped data carried no usable recipient info")
	}
	return candidates, nil
}
