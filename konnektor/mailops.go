package konnektor

import (
	"context"
	"crypto/x509"

	"github.com/openkim/kimgate/pipeline"
)

// Context keys of the mail crypto namespaces.
const (
	OpDecryptVerify = "mail.decrypt_verify"
	OpSignEncrypt   = "mail.sign_encrypt"

	KeyMessage     = "message"      // in/out: []byte
	KeyCerts       = "certs"        // in, sign mode: []*x509.Certificate
	KeyTelematikID = "telematik_id" // out: string, "" when no card was used
)

// DecryptVerify is the inbound crypto pipeline: select the card matching the
// message's recipient info, decrypt through the Konnektor, verify the inner
// signature. Messages without an encrypted part pass through untouched.
type DecryptVerify struct {
	Crypto   CryptoService
	Selector *Selector
}

func (d *DecryptVerify) Name() string { return OpDecryptVerify }

func (d *DecryptVerify) Execute(ctx context.Context, env *pipeline.Context) error {
	raw, _ := env.Get(OpDecryptVerify, KeyMessage)
	message, ok := raw.([]byte)
	if !ok || len(message) == 0 {
		return pipeline.Errorf(OpDecryptVerify, pipeline.CodeInternal, "no message in context")
	}
	env.Set(OpDecryptVerify, KeyTelematikID, "")

	candidates, err := IssuerSerialsFromMail(message)
	if err != nil {
		return pipeline.Wrap(OpDecryptVerify, pipeline.CodeDecryptFailed, err)
	}
	if candidates == nil {
		env.Log().Debug("message carries no encrypted part, passing through")
		env.Set(OpDecryptVerify, KeyMessage, message)
		return nil
	}

	env.Set(OpSelectCard, KeyMode, ModeDecrypt)
	env.Set(OpSelectCard, KeyCandidates, candidates)
	if err := pipeline.Run(ctx, env, d.Selector); err != nil {
		return err
	}
	cardValue, _ := env.Get(OpSelectCard, KeyCard)
	card, ok := cardValue.(Card)
	if !ok {
		return pipeline.Errorf(OpDecryptVerify, pipeline.CodeInternal, "card selector returned no card")
	}

	decrypted, err := d.Crypto.DecryptMail(ctx, card.CardHandle, message)
	if err != nil {
		return pipeline.Wrap(OpDecryptVerify, pipeline.CodeDecryptFailed, err)
	}
	verified, err := d.Crypto.VerifyMail(ctx, decrypted)
	if err != nil {
		return pipeline.Wrap(OpDecryptVerify, pipeline.CodeVerifyFailed, err)
	}

	env.Set(OpDecryptVerify, KeyMessage, verified)
	env.Set(OpDecryptVerify, KeyTelematikID, card.TelematikID)
	return nil
}

// SignEncrypt is the outbound crypto pipeline: select the signing card,
// sign through the Konnektor, then encrypt to the recipient certificates.
type SignEncrypt struct {
	Crypto   CryptoService
	Selector *Selector
}

func (s *SignEncrypt) Name() string { return OpSignEncrypt }

func (s *SignEncrypt) Execute(ctx context.Context, env *pipeline.Context) error {
	raw, _ := env.Get(OpSignEncrypt, KeyMessage)
	message, ok := raw.([]byte)
	if !ok || len(message) == 0 {
		return pipeline.Errorf(OpSignEncrypt, pipeline.CodeInternal, "no message in context")
	}
	var certs []*x509.Certificate
	if v, ok := env.Get(OpSignEncrypt, KeyCerts); ok {
		certs, _ = v.([]*x509.Certificate)
	}
	if len(certs) == 0 {
		return pipeline.Errorf(OpSignEncrypt, pipeline.CodeCertNotFound, "no recipient certificates")
	}

	env.Set(OpSelectCard, KeyMode, ModeSign)
	if err := pipeline.Run(ctx, env, s.Selector); err != nil {
		return err
	}
	cardValue, _ := env.Get(OpSelectCard, KeyCard)
	card, ok := cardValue.(Card)
	if !ok {
		return pipeline.Errorf(OpSignEncrypt, pipeline.CodeInternal, "card selector returned no card")
	}

	signed, err := s.Crypto.SignMail(ctx, card.CardHandle, message)
	if err != nil {
		return pipeline.Wrap(OpSignEncrypt, pipeline.CodeSignFailed, err)
	}
	encrypted, err := s.Crypto.EncryptMail(ctx, signed, certs)
	if err != nil {
		return pipeline.Wrap(OpSignEncrypt, pipeline.CodeEncryptFailed, err)
	}

	env.Set(OpSignEncrypt, KeyMessage, encrypted)
	env.Set(OpSignEncrypt, KeyTelematikID, card.TelematikID)
	return nil
}
