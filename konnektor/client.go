package konnektor

import (
	"context"
	"crypto/x509"
	"fmt"
	"sync"

	"github.com/openkim/kimgate/logger"
)

// CardService is the card-management surface of a Konnektor. The production
// implementation speaks SOAP to the device; tests substitute fakes.
type CardService interface {
	// GetCards returns every card currently visible to the Konnektor.
	GetCards(ctx context.Context) ([]Card, error)
	// GetPinStatus reads the current PIN state of one card.
	GetPinStatus(ctx context.Context, cardHandle string) (PinStatus, error)
	// ReadCardCertificate reads the encryption certificate of one card.
	ReadCardCertificate(ctx context.Context, cardHandle string) (*x509.Certificate, error)
}

// CryptoService is the signature/encryption surface of a Konnektor. Keys
// never leave the smart card; the gateway only hands over material and the
// selected card handle.
type CryptoService interface {
	SignMail(ctx context.Context, cardHandle string, message []byte) ([]byte, error)
	EncryptMail(ctx context.Context, message []byte, certs []*x509.Certificate) ([]byte, error)
	DecryptMail(ctx context.Context, cardHandle string, message []byte) ([]byte, error)
	VerifyMail(ctx context.Context, message []byte) ([]byte, error)
}

// Konnektor is one authenticated device. It owns the in-memory card list,
// which is replaced wholesale on each reload; the list and nothing else is
// shared across sessions, guarded by a single coarse mutex.
type Konnektor struct {
	Name  string
	Cards CardService

	mu    sync.Mutex
	cards []Card
}

func New(name string, cards CardService) *Konnektor {
	return &Konnektor{Name: name, Cards: cards}
}

// ReloadCards drops the previous card list and replaces it with the current
// one. It returns an immutable snapshot; callers must work off the snapshot
// and never assume card identity is stable across two reloads.
func (k *Konnektor) ReloadCards(ctx context.Context) ([]Card, error) {
	cards, err := k.Cards.GetCards(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load card list from konnektor %s: %w", k.Name, err)
	}

	snapshot := make([]Card, len(cards))
	copy(snapshot, cards)

	k.mu.Lock()
	k.cards = snapshot
	k.mu.Unlock()

	logger.Debug("card list reloaded", "konnektor", k.Name, "cards", len(snapshot))

	out := make([]Card, len(snapshot))
	copy(out, snapshot)
	return out, nil
}

// CurrentCards returns a copy of the last loaded card list.
func (k *Konnektor) CurrentCards() []Card {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]Card, len(k.cards))
	copy(out, k.cards)
	return out
}
