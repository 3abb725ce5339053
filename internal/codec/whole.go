package codec

import (
	"crypto/rand"

	"github.com/dreamware/anvil/internal/apperr"
)

// SealWhole encrypts an entire small object without erasure coding,
// for the single-node fallback path (§4.3) where the live peer set is
// too small to place k+m shards.
func (s *Scheme) SealWhole(plaintext []byte, bucket, key string) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, apperr.Wrap(apperr.Internal, "generate nonce", err)
	}
	ciphertext = s.aead.Seal(nil, nonce, plaintext, associatedData(bucket, key))
	return ciphertext, nonce, nil
}

// OpenWhole reverses SealWhole.
func (s *Scheme) OpenWhole(ciphertext, nonce []byte, bucket, key string) ([]byte, error) {
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, associatedData(bucket, key))
	if err != nil {
		return nil, apperr.Wrap(apperr.AuthFailed, "aead verification failed", err)
	}
	return plaintext, nil
}
