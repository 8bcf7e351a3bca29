package signer

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Authority — подписывающий авторитет для proof-бандлов.
// Управление ключами вне зоны ответственности ядра: сюда приходит готовый PEM.
type Authority interface {
	ID() string
	Sign(payload []byte) ([]byte, error)
	Verify(payload, signature []byte) bool
}

// RSAAuthority подписывает SHA256-дайджест payload'а ключом RS256.
// Для парсинга PEM переиспользуем хелперы jwt — тот же ключевой материал,
// что и у токенов консоли.
type RSAAuthority struct {
	id   string
	priv *rsa.PrivateKey
	pub  *rsa.PublicKey
}

// NewRSAAuthority создает полноценный авторитет (подпись + проверка).
func NewRSAAuthority(id string, privatePEM []byte) (*RSAAuthority, error) {
	if len(privatePEM) == 0 {
		return nil, fmt.Errorf("signer: private key data is empty")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privatePEM)
	if err != nil {
		return nil, fmt.Errorf("signer: failed to parse private key: %w", err)
	}
	return &RSAAuthority{id: id, priv: key, pub: &key.PublicKey}, nil
}

// NewRSAVerifier создает авторитет только для проверки (Admission Controller
// не должен уметь подписывать).
func NewRSAVerifier(id string, publicPEM []byte) (*RSAAuthority, error) {
	if len(publicPEM) == 0 {
		return nil, fmt.Errorf("signer: public key data is empty")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(publicPEM)
	if err != nil {
		return nil, fmt.Errorf("signer: failed to parse public key: %w", err)
	}
	return &RSAAuthority{id: id, pub: key}, nil
}

func (a *RSAAuthority) ID() string { return a.id }

func (a *RSAAuthority) Sign(payload []byte) ([]byte, error) {
	if a.priv == nil {
		return nil, fmt.Errorf("signer: authority %s is verify-only", a.id)
	}
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, a.priv, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("signer: sign failed: %w", err)
	}
	return sig, nil
}

func (a *RSAAuthority) Verify(payload, signature []byte) bool {
	if a.pub == nil {
		return false
	}
	digest := sha256.Sum256(payload)
	return rsa.VerifyPKCS1v15(a.pub, crypto.SHA256, digest[:], signature) == nil
}
