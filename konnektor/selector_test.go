package konnektor

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkim/kimgate/pipeline"
)

// fakeCardService serves a fixed card list with per-card PIN states and
// certificates.
type fakeCardService struct {
	cards     []Card
	pinStates map[string]PinStatus
	certs     map[string]*x509.Certificate

	listErr error
	pinErr  map[string]error
	certErr map[string]error

	listCalls int
}

func (f *fakeCardService) GetCards(ctx context.Context) ([]Card, error) {
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.cards, nil
}

func (f *fakeCardService) GetPinStatus(ctx context.Context, cardHandle string) (PinStatus, error) {
	if err := f.pinErr[cardHandle]; err != nil {
		return PinStatusUnknown, err
	}
	return f.pinStates[cardHandle], nil
}

func (f *fakeCardService) ReadCardCertificate(ctx context.Context, cardHandle string) (*x509.Certificate, error) {
	if err := f.certErr[cardHandle]; err != nil {
		return nil, err
	}
	cert, ok := f.certs[cardHandle]
	if !ok {
		return nil, errors.New("no certificate on card")
	}
	return cert, nil
}

// testCert generates a self-signed ECDSA certificate for the given subject
// common name and serial.
func testCert(t *testing.T, commonName string, serial int64) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{"Testpraxis"},
		},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func newTestSelector(cards *fakeCardService) *Selector {
	return NewSelector(New("test-konnektor", cards))
}

func selectEnv(t *testing.T) *pipeline.Context {
	t.Helper()
	env := pipeline.NewContext(nil)
	t.Cleanup(env.Release)
	return env
}

func TestSelectForSigningPicksFirstVerifiedSMCB(t *testing.T) {
	cards := &fakeCardService{
		cards: []Card{
			{CardHandle: "hba-1", Type: CardTypeHBA, PinStatus: PinStatusVerified},
			{CardHandle: "smcb-blocked", Type: CardTypeSMCB, PinStatus: PinStatusBlocked},
			{CardHandle: "smcb-first", Type: CardTypeSMCB, PinStatus: PinStatusVerified},
			{CardHandle: "smcb-second", Type: CardTypeSMCB, PinStatus: PinStatusVerified},
		},
	}
	selector := newTestSelector(cards)
	env := selectEnv(t)

	card, found, err := selector.SelectForSigning(context.Background(), env)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "smcb-first", card.CardHandle,
		"scan order decides between equally eligible cards")

	// The same list always yields the same card.
	again, found, err := selector.SelectForSigning(context.Background(), env)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, card.CardHandle, again.CardHandle)
}

func TestSelectForSigningFallsBackToPinLookup(t *testing.T) {
	cards := &fakeCardService{
		cards: []Card{
			{CardHandle: "smcb-1", Type: CardTypeSMCB, PinStatus: PinStatusUnknown},
		},
		pinStates: map[string]PinStatus{"smcb-1": PinStatusVerified},
	}
	selector := newTestSelector(cards)

	card, found, err := selector.SelectForSigning(context.Background(), selectEnv(t))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, PinStatusVerified, card.PinStatus)
}

func TestSelectForSigningSkipsPinLookupFailures(t *testing.T) {
	cards := &fakeCardService{
		cards: []Card{
			{CardHandle: "smcb-broken", Type: CardTypeSMCB, PinStatus: PinStatusUnknown},
			{CardHandle: "smcb-good", Type: CardTypeSMCB, PinStatus: PinStatusVerified},
		},
		pinErr: map[string]error{"smcb-broken": errors.New("card service timeout")},
	}
	selector := newTestSelector(cards)

	card, found, err := selector.SelectForSigning(context.Background(), selectEnv(t))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "smcb-good", card.CardHandle,
		"a pin lookup failure must not stop the scan")
}

func TestSelectForSigningNoEligibleCard(t *testing.T) {
	cards := &fakeCardService{
		cards: []Card{
			{CardHandle: "smcb-1", Type: CardTypeSMCB, PinStatus: PinStatusVerifiable},
			{CardHandle: "egk-1", Type: CardTypeEGK, PinStatus: PinStatusVerified},
		},
	}
	selector := newTestSelector(cards)

	_, found, err := selector.SelectForSigning(context.Background(), selectEnv(t))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSelectForDecryptionMatchesRecipientInfo(t *testing.T) {
	certA := testCert(t, "SMC-B Praxis A", 1001)
	certB := testCert(t, "SMC-B Praxis B", 1002)
	cards := &fakeCardService{
		cards: []Card{
			{CardHandle: "smcb-a", Type: CardTypeSMCB, PinStatus: PinStatusVerified},
			{CardHandle: "smcb-b", Type: CardTypeSMCB, PinStatus: PinStatusVerified},
		},
		certs: map[string]*x509.Certificate{"smcb-a": certA, "smcb-b": certB},
	}
	selector := newTestSelector(cards)

	card, found, err := selector.SelectForDecryption(context.Background(), selectEnv(t),
		[]IssuerSerial{IssuerSerialOf(certB)})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "smcb-b", card.CardHandle,
		"only the card whose certificate the message was encrypted to qualifies")
}

func TestSelectForDecryptionSkipsUnverifiedMatch(t *testing.T) {
	cert := testCert(t, "SMC-B Praxis", 2001)
	cards := &fakeCardService{
		cards: []Card{
			{CardHandle: "smcb-1", Type: CardTypeSMCB, PinStatus: PinStatusVerifiable},
		},
		certs: map[string]*x509.Certificate{"smcb-1": cert},
	}
	selector := newTestSelector(cards)

	_, found, err := selector.SelectForDecryption(context.Background(), selectEnv(t),
		[]IssuerSerial{IssuerSerialOf(cert)})
	require.NoError(t, err)
	assert.False(t, found, "a matching card with an unverified PIN stays ineligible")
}

func TestSelectForDecryptionCertLookupFailureIsDistinct(t *testing.T) {
	cards := &fakeCardService{
		cards: []Card{
			{CardHandle: "smcb-1", Type: CardTypeSMCB, PinStatus: PinStatusVerified},
		},
		certErr: map[string]error{"smcb-1": errors.New("card service unreachable")},
	}
	selector := newTestSelector(cards)

	_, found, err := selector.SelectForDecryption(context.Background(), selectEnv(t),
		[]IssuerSerial{{Issuer: "CN=egal", Serial: big.NewInt(1)}})
	require.Error(t, err)
	assert.False(t, found)
	assert.Equal(t, pipeline.CodeCardCertLookupFailed, pipeline.CodeOf(err),
		"a backend fault must not read as an absent card")
}

func TestSelectForSigningPinLookupFailureIsDistinct(t *testing.T) {
	cards := &fakeCardService{
		cards: []Card{
			{CardHandle: "smcb-1", Type: CardTypeSMCB, PinStatus: PinStatusUnknown},
		},
		pinErr: map[string]error{"smcb-1": errors.New("card service unreachable")},
	}
	selector := newTestSelector(cards)

	_, found, err := selector.SelectForSigning(context.Background(), selectEnv(t))
	require.Error(t, err)
	assert.False(t, found)
	assert.Equal(t, pipeline.CodeCardPinLookupFailed, pipeline.CodeOf(err),
		"a backend fault must not read as an absent card")
}

func TestSelectForDecryptionPinLookupFailureIsDistinct(t *testing.T) {
	cert := testCert(t, "SMC-B Praxis", 3001)
	cards := &fakeCardService{
		cards: []Card{
			{CardHandle: "smcb-1", Type: CardTypeSMCB, PinStatus: PinStatusUnknown},
		},
		certs:  map[string]*x509.Certificate{"smcb-1": cert},
		pinErr: map[string]error{"smcb-1": errors.New("card service unreachable")},
	}
	selector := newTestSelector(cards)

	_, found, err := selector.SelectForDecryption(context.Background(), selectEnv(t),
		[]IssuerSerial{IssuerSerialOf(cert)})
	require.Error(t, err)
	assert.False(t, found)
	assert.Equal(t, pipeline.CodeCardPinLookupFailed, pipeline.CodeOf(err))
}

func TestSelectorExecuteNoCardIsTerminal(t *testing.T) {
	cards := &fakeCardService{}
	selector := newTestSelector(cards)
	env := selectEnv(t)
	env.Set(OpSelectCard, KeyMode, ModeSign)

	err := pipeline.Run(context.Background(), env, selector)
	require.Error(t, err)
	assert.Equal(t, pipeline.CodeNoCardFound, pipeline.CodeOf(err))

	found, _ := env.Get(OpSelectCard, KeyFound)
	assert.Equal(t, false, found)
}

func TestSelectorExecuteSignMode(t *testing.T) {
	cards := &fakeCardService{
		cards: []Card{
			{CardHandle: "smcb-1", Type: CardTypeSMCB, PinStatus: PinStatusVerified, TelematikID: "1-2-T1"},
		},
	}
	selector := newTestSelector(cards)
	env := selectEnv(t)
	env.Set(OpSelectCard, KeyMode, ModeSign)

	require.NoError(t, pipeline.Run(context.Background(), env, selector))

	cardValue, ok := env.Get(OpSelectCard, KeyCard)
	require.True(t, ok)
	card, ok := cardValue.(Card)
	require.True(t, ok)
	assert.Equal(t, "smcb-1", card.CardHandle)
	assert.Equal(t, "1-2-T1", card.TelematikID)
}

func TestSelectorExecuteUnknownMode(t *testing.T) {
	selector := newTestSelector(&fakeCardService{})
	env := selectEnv(t)
	env.Set(OpSelectCard, KeyMode, "shred")

	err := pipeline.Run(context.Background(), env, selector)
	require.Error(t, err)
	assert.Equal(t, pipeline.CodeInternal, pipeline.CodeOf(err))
}

func TestSelectorExecuteListFailure(t *testing.T) {
	cards := &fakeCardService{listErr: errors.New("konnektor offline")}
	selector := newTestSelector(cards)
	env := selectEnv(t)
	env.Set(OpSelectCard, KeyMode, ModeSign)

	err := pipeline.Run(context.Background(), env, selector)
	require.Error(t, err)
	assert.Equal(t, pipeline.CodeCardListFailed, pipeline.CodeOf(err))
}

func TestSelectionReloadsCardList(t *testing.T) {
	cards := &fakeCardService{
		cards: []Card{{CardHandle: "smcb-1", Type: CardTypeSMCB, PinStatus: PinStatusVerified}},
	}
	selector := newTestSelector(cards)
	env := selectEnv(t)

	_, _, err := selector.SelectForSigning(context.Background(), env)
	require.NoError(t, err)
	_, _, err = selector.SelectForSigning(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, 2, cards.listCalls,
		"card identity is only valid per snapshot, every selection reloads")
}
