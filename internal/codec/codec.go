// Package codec implements the shard codec: authenticated encryption,
// BLAKE3 content hashing, and Reed-Solomon erasure coding of plaintext
// stripes.
//
// Grounded on the erasure wrapper shape in eniz1806-VaultS3's
// internal/erasure package and the shard-sizing arithmetic in
// ersinkoc-OpenEndpoint's internal/cluster erasure coder, adapted to
// operate on fixed-size stripes of a content-addressed object rather
// than whole files.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/klauspost/reedsolomon"
	"github.com/zeebo/blake3"

	"github.com/dreamware/anvil/internal/apperr"
)

// DefaultStripeSize is the plaintext size of one erasure-coding stripe.
const DefaultStripeSize = 256 * 1024

// ShardRole distinguishes data shards from parity shards within a stripe.
type ShardRole string

const (
	RoleData   ShardRole = "data"
	RoleParity ShardRole = "parity"
)

// Scheme is a configured (k, m) Reed-Solomon scheme bound to a single
// at-rest encryption key. A Scheme is safe for concurrent use: the
// underlying reedsolomon.Encoder has no mutable state, and a fresh
// cipher.Block is cheap to reuse across goroutines because AES-GCM seals
// are independent given distinct nonces.
type Scheme struct {
	enc reedsolomon.Encoder
	aead cipher.AEAD
	K, M int
}

// NewScheme builds a Scheme from a 32-byte encryption key and the desired
// (k, m) split. k and m must each be positive.
func NewScheme(key []byte, k, m int) (*Scheme, error) {
	if len(key) != 32 {
		return nil, apperr.New(apperr.InvalidConfig, "encryption key must be 32 bytes")
	}
	if k <= 0 || m <= 0 {
		return nil, apperr.New(apperr.InvalidConfig, "k and m must be positive")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "construct aes cipher", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "construct gcm aead", err)
	}
	enc, err := reedsolomon.New(k, m)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "construct reed-solomon encoder", err)
	}
	return &Scheme{enc: enc, aead: aead, K: k, M: m}, nil
}

// N returns the total shard count k+m.
func (s *Scheme) N() int { return s.K + s.M }

// EncodedStripe is the output of encoding one plaintext stripe: N shards
// in index order (data shards first, then parity) plus the nonce used to
// seal the stripe.
type EncodedStripe struct {
	Shards [][]byte
	Nonce  []byte

	// CiphertextLen is the true (unpadded) ciphertext length sealed into
	// this stripe, before padding it up to a multiple of k. DecodeStripe
	// needs this to trim the reconstructed shard-span back to the bytes
	// AEAD actually sealed.
	CiphertextLen int
}

// Hasher accumulates a running BLAKE3 hash over plaintext bytes streamed
// across many stripes; Sum returns the 32-byte content hash once the
// object is fully read.
type Hasher struct {
	h *blake3.Hasher
}

func NewHasher() *Hasher { return &Hasher{h: blake3.New()} }

func (h *Hasher) Write(p []byte) { h.h.Write(p) }

func (h *Hasher) Sum() [32]byte {
	var out [32]byte
	copy(out[:], h.h.Sum(nil))
	return out
}

// EncodeStripe encrypts plaintext with a fresh random nonce bound to
// (bucket, key) as associated data, pads the ciphertext to a multiple of
// k, and splits it into k data shards and m parity shards of equal
// length.
func (s *Scheme) EncodeStripe(plaintext []byte, bucket, key string) (*EncodedStripe, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "generate nonce", err)
	}
	ad := associatedData(bucket, key)
	ciphertext := s.aead.Seal(nil, nonce, plaintext, ad)

	shardSize := (len(ciphertext) + s.K - 1) / s.K
	if shardSize == 0 {
		shardSize = 1
	}
	padded := make([]byte, shardSize*s.K)
	copy(padded, ciphertext)

	shards := make([][]byte, s.N())
	for i := 0; i < s.K; i++ {
		shards[i] = padded[i*shardSize : (i+1)*shardSize]
	}
	for i := s.K; i < s.N(); i++ {
		shards[i] = make([]byte, shardSize)
	}
	if err := s.enc.Encode(shards); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "reed-solomon encode", err)
	}
	return &EncodedStripe{Shards: shards, Nonce: nonce, CiphertextLen: len(ciphertext)}, nil
}

// DecodeStripe reconstructs a stripe from a sparse set of shards (indexed
// by their position in [0, k+m)), trims the joined data shards to
// ciphertextLen (the stripe's unpadded ciphertext length), decrypts that
// ciphertext, and returns the plaintext. At least k non-nil shards are
// required.
func (s *Scheme) DecodeStripe(shards [][]byte, ciphertextLen int, nonce []byte, bucket, key string) ([]byte, error) {
	have := 0
	for _, sh := range shards {
		if sh != nil {
			have++
		}
	}
	if have < s.K {
		return nil, apperr.New(apperr.DecodeFailed, fmt.Sprintf("only %d of %d required shards available", have, s.K))
	}

	work := make([][]byte, s.N())
	copy(work, shards)
	if err := s.enc.ReconstructData(work); err != nil {
		return nil, apperr.Wrap(apperr.DecodeFailed, "reed-solomon reconstruct", err)
	}

	ciphertext := make([]byte, 0, ciphertextLen)
	for i := 0; i < s.K; i++ {
		ciphertext = append(ciphertext, work[i]...)
	}
	if len(ciphertext) < ciphertextLen {
		return nil, apperr.New(apperr.DecodeFailed, "reconstructed ciphertext shorter than recorded length")
	}
	ciphertext = ciphertext[:ciphertextLen]

	ad := associatedData(bucket, key)
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, apperr.Wrap(apperr.AuthFailed, "aead verification failed", err)
	}
	return plaintext, nil
}

func associatedData(bucket, key string) []byte {
	return []byte(bucket + "\x00" + key)
}

// ShardName returns the on-disk identity of a committed shard:
// <hex content hash>-<global index zero padded to 6 digits>.
func ShardName(contentHash [32]byte, globalIndex int) string {
	return fmt.Sprintf("%x-%06d", contentHash, globalIndex)
}

// GlobalIndex maps a (stripeIndex, intraStripeIndex) pair to the flat,
// stripe-major global shard index used in on-disk names.
func GlobalIndex(stripeIndex, intraStripeIndex, n int) int {
	return stripeIndex*n + intraStripeIndex
}

// RoleOf reports whether intraStripeIndex addresses a data or parity slot
// under the scheme's (k, m) split.
func (s *Scheme) RoleOf(intraStripeIndex int) ShardRole {
	if intraStripeIndex < s.K {
		return RoleData
	}
	return RoleParity
}
