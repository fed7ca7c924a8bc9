package sync

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
)

// Signer produces armored detached signatures for published artifacts.
type Signer struct {
	entity    *openpgp.Entity
	publicKey []byte
}

func NewSigner(armoredPrivateKey string) (*Signer, error) {
	entityList, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armoredPrivateKey))
	if err != nil {
		return nil, fmt.Errorf("reading signing key: %w", err)
	}
	if len(entityList) == 0 {
		return nil, fmt.Errorf("no signing keys found")
	}
	entity := entityList[0]

	var pubBuf bytes.Buffer
	w, err := armor.Encode(&pubBuf, openpgp.PublicKeyType, nil)
	if err != nil {
		return nil, fmt.Errorf("creating armor encoder: %w", err)
	}
	if err := entity.Serialize(w); err != nil {
		return nil, fmt.Errorf("serializing public key: %w", err)
	}
	w.Close()

	return &Signer{entity: entity, publicKey: pubBuf.Bytes()}, nil
}

// PublicKey returns the armored public key for the /key.gpg endpoint.
func (s *Signer) PublicKey() []byte {
	return s.publicKey
}

// DetachedSign produces an armored detached signature over content.
func (s *Signer) DetachedSign(content []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := openpgp.ArmoredDetachSign(&buf, s.entity, bytes.NewReader(content), nil); err != nil {
		return nil, fmt.Errorf("detached sign: %w", err)
	}
	return buf.Bytes(), nil
}
