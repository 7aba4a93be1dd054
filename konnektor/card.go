// Package konnektor models the card terminal backend and implements card
// selection for signing and decryption. The SOAP transport to the real
// device lives outside the gateway core; this package only depends on the
// service interfaces.
package konnektor

import (
	"crypto/x509"
	"fmt"
	"math/big"
)

// CardType enumerates the smart card types a Konnektor reports. Only SMC-B
// cards are eligible for mail operations.
type CardType int

const (
	CardTypeUnknown CardType = iota
	CardTypeSMCB
	CardTypeHBA
	CardTypeEGK
)

func (t CardType) String() string {
	switch t {
	case CardTypeSMCB:
		return "SMC-B"
	case CardTypeHBA:
		return "HBA"
	case CardTypeEGK:
		return "EGK"
	default:
		return "UNKNOWN"
	}
}

// ParseCardType maps the wire representation onto a CardType.
func ParseCardType(s string) CardType {
	switch s {
	case "SMC-B", "SMC_B", "SMCB":
		return CardTypeSMCB
	case "HBA":
		return CardTypeHBA
	case "EGK":
		return CardTypeEGK
	default:
		return CardTypeUnknown
	}
}

// PinStatus enumerates the PIN verification states of a card.
type PinStatus int

const (
	PinStatusUnknown PinStatus = iota
	PinStatusBlocked
	PinStatusVerifiable
	PinStatusVerified
)

func (p PinStatus) String() string {
	switch p {
	case PinStatusBlocked:
		return "BLOCKED"
	case PinStatusVerifiable:
		return "VERIFIABLE"
	case PinStatusVerified:
		return "VERIFIED"
	default:
		return "UNKNOWN"
	}
}

// ParsePinStatus maps the wire representation onto a PinStatus.
func ParsePinStatus(s string) PinStatus {
	switch s {
	case "BLOCKED":
		return PinStatusBlocked
	case "VERIFIABLE":
		return PinStatusVerifiable
	case "VERIFIED":
		return PinStatusVerified
	default:
		return PinStatusUnknown
	}
}

// Card is one smart card known to a Konnektor. Card identity is only valid
// for the snapshot it was loaded with; a later reload may hand out a
// different handle for the same physical card.
type Card struct {
	CardHandle  string
	ICCSN       string
	Type        CardType
	PinStatus   PinStatus
	TelematikID string
}

func (c Card) String() string {
	return fmt.Sprintf("%s(handle=%s iccsn=%s pin=%s)", c.Type, c.CardHandle, c.ICCSN, c.PinStatus)
}

// IssuerSerial identifies a certificate by issuer distinguished name and
// serial number, as carried in an encrypted message's recipient info.
type IssuerSerial struct {
	Issuer string
	Serial *big.Int
}

// MatchesCertificate reports whether the candidate identifies cert.
func (is IssuerSerial) MatchesCertificate(cert *x509.Certificate) bool {
	if cert == nil || is.Serial == nil {
		return false
	}
	return cert.Issuer.String() == is.Issuer && cert.SerialNumber.Cmp(is.Serial) == 0
}

// IssuerSerialOf extracts the identifying pair from a certificate.
func IssuerSerialOf(cert *x509.Certificate) IssuerSerial {
	return IssuerSerial{Issuer: cert.Issuer.String(), Serial: cert.SerialNumber}
}
