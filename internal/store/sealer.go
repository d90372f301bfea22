package store

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/oauth2"
)

const sealedPrefix = "sb1:"

// ErrNoTokenKey is returned when a sealed token is read without a key
var ErrNoTokenKey = errors.New("token is sealed but no token key is configured")

// Sealer encrypts OAuth tokens at rest with nacl/secretbox
type Sealer struct {
	key *[32]byte
}

// NewSealer returns a sealer; a nil key stores tokens as plain JSON
func NewSealer(key *[32]byte) *Sealer {
	return &Sealer{key: key}
}

// Seal encodes a token for the token column
func (s *Sealer) Seal(tok *oauth2.Token) (string, error) {
	if tok == nil {
		return "", nil
	}
	raw, err := json.Marshal(tok)
	if err != nil {
		return "", fmt.Errorf("marshal token: %w", err)
	}
	if s.key == nil {
		return string(raw), nil
	}

	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], raw, &nonce, s.key)
	return sealedPrefix + base64.StdEncoding.EncodeToString(box), nil
}

// Open decodes a value written by Seal
func (s *Sealer) Open(v string) (*oauth2.Token, error) {
	if v == "" {
		return nil, nil
	}

	raw := []byte(v)
	if strings.HasPrefix(v, sealedPrefix) {
		if s.key == nil {
			return nil, ErrNoTokenKey
		}
		box, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(v, sealedPrefix))
		if err != nil {
			return nil, fmt.Errorf("decode sealed token: %w", err)
		}
		if len(box) < 24 {
			return nil, errors.New("sealed token too short")
		}
		var nonce [24]byte
		copy(nonce[:], box[:24])
		opened, ok := secretbox.Open(nil, box[24:], &nonce, s.key)
		if !ok {
			return nil, errors.New("sealed token failed authentication")
		}
		raw = opened
	}

	var tok oauth2.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("unmarshal token: %w", err)
	}
	return &tok, nil
}
