package konnektor

import (
	"context"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"strings"

	"github.com/openkim/kimgate/pipeline"
	"github.com/openkim/kimgate/pkg/metrics"
)

// Context keys of the card selector namespace. The caller writes the inputs
// into the selector's namespace before running it and reads the outputs
// afterwards.
const (
	OpSelectCard = "card.select"

	KeyMode       = "mode"       // in: ModeSign or ModeDecrypt
	KeyCandidates = "candidates" // in: []IssuerSerial, decrypt mode only
	KeyCard       = "card"       // out: Card
	KeyFound      = "found"      // out: bool
)

const (
	ModeSign    = "sign"
	ModeDecrypt = "decrypt"
)

// Selector picks the smart card that satisfies a sign or decrypt request.
// Selection is deterministic: cards are scanned in list order and the first
// VERIFIED SMC-B card wins. There is no ranking beyond type and PIN state.
type Selector struct {
	konnektor *Konnektor
}

func NewSelector(k *Konnektor) *Selector {
	return &Selector{konnektor: k}
}

func (s *Selector) Name() string { return OpSelectCard }

// Execute adapts Select to the pipeline contract.
func (s *Selector) Execute(ctx context.Context, env *pipeline.Context) error {
	mode := env.GetString(OpSelectCard, KeyMode)

	var candidates []IssuerSerial
	if v, ok := env.Get(OpSelectCard, KeyCandidates); ok {
		candidates, _ = v.([]IssuerSerial)
	}

	var card Card
	var found bool
	var err error
	switch mode {
	case ModeSign:
		card, found, err = s.SelectForSigning(ctx, env)
	case ModeDecrypt:
		card, found, err = s.SelectForDecryption(ctx, env, candidates)
	default:
		return pipeline.Errorf(OpSelectCard, pipeline.CodeInternal, "unknown selection mode %q", mode)
	}

	env.Set(OpSelectCard, KeyFound, found)
	if err != nil {
		metrics.CardSelections.WithLabelValues(mode, "error").Inc()
		return err
	}
	if !found {
		metrics.CardSelections.WithLabelValues(mode, "not_found").Inc()
		// No card is a terminal failure for the caller: the message cannot
		// be processed without one.
		return pipeline.Errorf(OpSelectCard, pipeline.CodeNoCardFound, "no eligible %s card on konnektor %s", CardTypeSMCB, s.konnektor.Name)
	}
	env.Set(OpSelectCard, KeyCard, card)
	metrics.CardSelections.WithLabelValues(mode, "success").Inc()
	return nil
}

// pinStatusOf resolves the PIN state of one card, falling back to the card
// service when the loaded list did not carry one. A lookup failure is
// recorded but must not stop the scan over the remaining cards.
func (s *Selector) pinStatusOf(ctx context.Context, env *pipeline.Context, card Card) (PinStatus, error) {
	if card.PinStatus != PinStatusUnknown {
		return card.PinStatus, nil
	}
	status, err := s.konnektor.Cards.GetPinStatus(ctx, card.CardHandle)
	if err != nil {
		env.Log().Warn("pin status lookup failed", "card", card.CardHandle, "error", err)
		return PinStatusUnknown, err
	}
	return status, nil
}

// SelectForSigning scans the freshly reloaded card list and returns the
// first SMC-B card whose PIN status is VERIFIED.
func (s *Selector) SelectForSigning(ctx context.Context, env *pipeline.Context) (Card, bool, error) {
	cards, err := s.konnektor.ReloadCards(ctx)
	if err != nil {
		return Card{}, false, pipeline.Wrap(OpSelectCard, pipeline.CodeCardListFailed, err)
	}

	var pinLookupErr error
	for _, card := range cards {
		if card.Type != CardTypeSMCB {
			continue
		}
		status, err := s.pinStatusOf(ctx, env, card)
		if err != nil {
			pinLookupErr = err
			continue
		}
		if status != PinStatusVerified {
			continue
		}
		card.PinStatus = status
		return card, true, nil
	}

	// When every candidate was lost to a lookup fault the result is a
	// backend failure, not an absent card.
	if pinLookupErr != nil {
		return Card{}, false, pipeline.Wrap(OpSelectCard, pipeline.CodeCardPinLookupFailed,
			fmt.Errorf("pin status lookup failed during card scan: %w", pinLookupErr))
	}
	return Card{}, false, nil
}

// SelectForDecryption additionally matches each SMC-B card's encryption
// certificate against the candidate issuer+serial set taken from the
// encrypted message's recipient info. Cards whose certificate matches no
// candidate are skipped regardless of PIN state.
func (s *Selector) SelectForDecryption(ctx context.Context, env *pipeline.Context, candidates []IssuerSerial) (Card, bool, error) {
	cards, err := s.konnektor.ReloadCards(ctx)
	if err != nil {
		return Card{}, false, pipeline.Wrap(OpSelectCard, pipeline.CodeCardListFailed, err)
	}

	var certLookupErr, pinLookupErr error
	for _, card := range cards {
		if card.Type != CardTypeSMCB {
			continue
		}

		cert, err := s.konnektor.Cards.ReadCardCertificate(ctx, card.CardHandle)
		if err != nil {
			// A backend fault reading the certificate is not the same as an
			// absent card; remember it, keep scanning the remaining cards.
			env.Log().Warn("card certificate lookup failed", "card", card.CardHandle, "error", err)
			certLookupErr = err
			continue
		}

		matched := false
		for _, cand := range candidates {
			if cand.MatchesCertificate(cert) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}

		if card.TelematikID == "" {
			card.TelematikID = telematikIDFromCert(cert)
		}

		status, err := s.pinStatusOf(ctx, env, card)
		if err != nil {
			pinLookupErr = err
			continue
		}
		if status != PinStatusVerified {
			continue
		}
		card.PinStatus = status
		return card, true, nil
	}

	if certLookupErr != nil {
		return Card{}, false, pipeline.Wrap(OpSelectCard, pipeline.CodeCardCertLookupFailed,
			fmt.Errorf("certificate lookup failed during card scan: %w", certLookupErr))
	}
	if pinLookupErr != nil {
		return Card{}, false, pipeline.Wrap(OpSelectCard, pipeline.CodeCardPinLookupFailed,
			fmt.Errorf("pin status lookup failed during card scan: %w", pinLookupErr))
	}
	return Card{}, false, nil
}

// admissionOID is the id-isismtt-at-admission extension whose
// registrationNumber attribute carries the TelematikId.
var admissionOID = asn1.ObjectIdentifier{1, 3, 36, 8, 3, 3}

// telematikIDFromCert extracts the institutional identifier from the card's
// encryption certificate. The admission extension carries it as a printable
// registrationNumber; issuing CAs also mirror it into the subject OU.
func telematikIDFromCert(cert *x509.Certificate) string {
	for _, ext := range cert.Extensions {
		if !ext.Id.Equal(admissionOID) {
			continue
		}
		if id := printableFromDER(ext.Value); id != "" {
			return id
		}
	}
	for _, ou := range cert.Subject.OrganizationalUnit {
		if strings.HasPrefix(ou, "TelematikID:") {
			return strings.TrimSpace(strings.TrimPrefix(ou, "TelematikID:"))
		}
	}
	return ""
}

// printableFromDER pulls the first printable/IA5 string out of a DER blob.
// The admission syntax nests the registrationNumber several sequences deep;
// scanning for the first string primitive matches what the issuing CAs emit
// without dragging in the full admission ASN.1 model.
func printableFromDER(der []byte) string {
	for i := 0; i+2 <= len(der); i++ {
		tag := der[i]
		if tag != 0x13 && tag != 0x16 && tag != 0x0c { // PrintableString, IA5String, UTF8String
			continue
		}
		length := int(der[i+1])
		if length == 0 || length > 127 || i+2+length > len(der) {
			continue
		}
		return string(der[i+2 : i+2+length])
	}
	return ""
}
