package konnektor

import (
	"context"
	"crypto/x509"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkim/kimgate/pipeline"
)

// fakeCryptoService records calls and answers from canned results.
type fakeCryptoService struct {
	signErr    error
	encryptErr error
	decryptErr error
	verifyErr  error

	signedWith    string
	decryptedWith string
	encryptCerts  []*x509.Certificate
}

func (f *fakeCryptoService) SignMail(ctx context.Context, cardHandle string, message []byte) ([]byte, error) {
	if f.signErr != nil {
		return nil, f.signErr
	}
	f.signedWith = cardHandle
	return append([]byte("signed:"), message...), nil
}

func (f *fakeCryptoService) EncryptMail(ctx context.Context, message []byte, certs []*x509.Certificate) ([]byte, error) {
	if f.encryptErr != nil {
		return nil, f.encryptErr
	}
	f.encryptCerts = certs
	return append([]byte("encrypted:"), message...), nil
}

func (f *fakeCryptoService) DecryptMail(ctx context.Context, cardHandle string, message []byte) ([]byte, error) {
	if f.decryptErr != nil {
		return nil, f.decryptErr
	}
	f.decryptedWith = cardHandle
	return []byte("decrypted inner message"), nil
}

func (f *fakeCryptoService) VerifyMail(ctx context.Context, message []byte) ([]byte, error) {
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return append([]byte("verified:"), message...), nil
}

func decryptVerifyFixture(t *testing.T) (*DecryptVerify, *fakeCryptoService, []byte) {
	t.Helper()
	cert := testCert(t, "SMC-B Praxis", 9001)
	cards := &fakeCardService{
		cards: []Card{
			{CardHandle: "smcb-1", Type: CardTypeSMCB, PinStatus: PinStatusVerified, TelematikID: "1-2-T9"},
		},
		certs: map[string]*x509.Certificate{"smcb-1": cert},
	}
	crypto := &fakeCryptoService{}
	op := &DecryptVerify{Crypto: crypto, Selector: newTestSelector(cards)}
	return op, crypto, envelopedMailFor(t, cert)
}

func TestDecryptVerifyHappyPath(t *testing.T) {
	op, crypto, mail := decryptVerifyFixture(t)
	env := selectEnv(t)
	env.Set(OpDecryptVerify, KeyMessage, mail)

	require.NoError(t, pipeline.Run(context.Background(), env, op))

	out, _ := env.Get(OpDecryptVerify, KeyMessage)
	assert.Equal(t, []byte("verified:decrypted inner message"), out)
	assert.Equal(t, "smcb-1", crypto.decryptedWith)
	assert.Equal(t, "1-2-T9", env.GetString(OpDecryptVerify, KeyTelematikID))
}

func TestDecryptVerifyPlaintextPassthrough(t *testing.T) {
	op, crypto, _ := decryptVerifyFixture(t)
	env := selectEnv(t)
	mail := []byte("From: a@kim.example\r\n\r\nKlartext\r\n")
	env.Set(OpDecryptVerify, KeyMessage, mail)

	require.NoError(t, pipeline.Run(context.Background(), env, op))

	out, _ := env.Get(OpDecryptVerify, KeyMessage)
	assert.Equal(t, mail, out)
	assert.Empty(t, crypto.decryptedWith, "no card operation for plaintext")
	assert.Equal(t, "", env.GetString(OpDecryptVerify, KeyTelematikID))
}

func TestDecryptVerifyNoMatchingCard(t *testing.T) {
	op, _, _ := decryptVerifyFixture(t)
	otherCert := testCert(t, "Fremde Praxis", 9999)
	env := selectEnv(t)
	env.Set(OpDecryptVerify, KeyMessage, envelopedMailFor(t, otherCert))

	err := pipeline.Run(context.Background(), env, op)
	require.Error(t, err)
	assert.Equal(t, pipeline.CodeNoCardFound, pipeline.CodeOf(err))
}

func TestDecryptVerifyDecryptFailure(t *testing.T) {
	op, crypto, mail := decryptVerifyFixture(t)
	crypto.decryptErr = errors.New("konnektor refused")
	env := selectEnv(t)
	env.Set(OpDecryptVerify, KeyMessage, mail)

	err := pipeline.Run(context.Background(), env, op)
	require.Error(t, err)
	assert.Equal(t, pipeline.CodeDecryptFailed, pipeline.CodeOf(err))
}

func TestDecryptVerifyVerifyFailure(t *testing.T) {
	op, crypto, mail := decryptVerifyFixture(t)
	crypto.verifyErr = errors.New("signature invalid")
	env := selectEnv(t)
	env.Set(OpDecryptVerify, KeyMessage, mail)

	err := pipeline.Run(context.Background(), env, op)
	require.Error(t, err)
	assert.Equal(t, pipeline.CodeVerifyFailed, pipeline.CodeOf(err))
}

func signEncryptFixture(t *testing.T) (*SignEncrypt, *fakeCryptoService) {
	t.Helper()
	cards := &fakeCardService{
		cards: []Card{
			{CardHandle: "smcb-sign", Type: CardTypeSMCB, PinStatus: PinStatusVerified, TelematikID: "1-2-S1"},
		},
	}
	crypto := &fakeCryptoService{}
	return &SignEncrypt{Crypto: crypto, Selector: newTestSelector(cards)}, crypto
}

func TestSignEncryptHappyPath(t *testing.T) {
	op, crypto := signEncryptFixture(t)
	cert := testCert(t, "Empfaenger", 7001)
	env := selectEnv(t)
	env.Set(OpSignEncrypt, KeyMessage, []byte("To: b@kim.example\r\n\r\nHallo\r\n"))
	env.Set(OpSignEncrypt, KeyCerts, []*x509.Certificate{cert})

	require.NoError(t, pipeline.Run(context.Background(), env, op))

	out, _ := env.Get(OpSignEncrypt, KeyMessage)
	assert.Equal(t, []byte("encrypted:signed:To: b@kim.example\r\n\r\nHallo\r\n"), out,
		"sign first, then encrypt")
	assert.Equal(t, "smcb-sign", crypto.signedWith)
	assert.Equal(t, []*x509.Certificate{cert}, crypto.encryptCerts)
	assert.Equal(t, "1-2-S1", env.GetString(OpSignEncrypt, KeyTelematikID))
}

func TestSignEncryptRequiresCerts(t *testing.T) {
	op, _ := signEncryptFixture(t)
	env := selectEnv(t)
	env.Set(OpSignEncrypt, KeyMessage, []byte("body"))

	err := pipeline.Run(context.Background(), env, op)
	require.Error(t, err)
	assert.Equal(t, pipeline.CodeCertNotFound, pipeline.CodeOf(err))
}

func TestSignEncryptSignFailure(t *testing.T) {
	op, crypto := signEncryptFixture(t)
	crypto.signErr = errors.New("pin not verified anymore")
	env := selectEnv(t)
	env.Set(OpSignEncrypt, KeyMessage, []byte("body"))
	env.Set(OpSignEncrypt, KeyCerts, []*x509.Certificate{testCert(t, "E", 1)})

	err := pipeline.Run(context.Background(), env, op)
	require.Error(t, err)
	assert.Equal(t, pipeline.CodeSignFailed, pipeline.CodeOf(err))
}

func TestSignEncryptEncryptFailure(t *testing.T) {
	op, crypto := signEncryptFixture(t)
	crypto.encryptErr = errors.New("bad certificate")
	env := selectEnv(t)
	env.Set(OpSignEncrypt, KeyMessage, []byte("body"))
	env.Set(OpSignEncrypt, KeyCerts, []*x509.Certificate{testCert(t, "E", 2)})

	err := pipeline.Run(context.Background(), env, op)
	require.Error(t, err)
	assert.Equal(t, pipeline.CodeEncryptFailed, pipeline.CodeOf(err))
}
