package cryptox

import (
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/fieldsync/fieldsync/internal/common"
)

// ParsePublicKey decodes a form's RSA public key. Keys arrive as the
// base64 body of an SPKI PEM block with the guard lines stripped; guard
// lines and whitespace are tolerated if present.
func ParsePublicKey(encryptionKey string) (*rsa.PublicKey, error) {
	body := encryptionKey
	body = strings.ReplaceAll(body, "-----BEGIN PUBLIC KEY-----", "")
	body = strings.ReplaceAll(body, "-----END PUBLIC KEY-----", "")
	body = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, body)

	der, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidPublicKey, err)
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidPublicKey, err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", common.ErrInvalidPublicKey)
	}
	return rsaKey, nil
}

// encryptOAEP implements RSA-OAEP with a SHA-256 message digest and an
// MGF1 mask built on SHA-1, the exact parameter split the decrypting tool
// expects ("RSA/NONE/OAEPWithSHA256AndMGF1Padding"). The standard library
// OAEP uses one hash for both roles, so the padding is assembled here per
// RFC 8017 and pushed through the raw public-key operation.
func encryptOAEP(random io.Reader, pub *rsa.PublicKey, msg []byte) ([]byte, error) {
	k := (pub.N.BitLen() + 7) / 8
	hLen := sha256.Size
	if len(msg) > k-2*hLen-2 {
		return nil, rsa.ErrMessageTooLong
	}

	// DB = lHash || PS || 0x01 || M, with an empty label
	lHash := sha256.Sum256(nil)
	db := make([]byte, k-hLen-1)
	copy(db, lHash[:])
	db[len(db)-len(msg)-1] = 0x01
	copy(db[len(db)-len(msg):], msg)

	seed := make([]byte, hLen)
	if _, err := io.ReadFull(random, seed); err != nil {
		return nil, fmt.Errorf("failed to read oaep seed: %w", err)
	}

	mgf1XOR(db, seed)
	mgf1XOR(seed, db)

	em := make([]byte, k)
	copy(em[1:], seed)
	copy(em[1+hLen:], db)

	m := new(big.Int).SetBytes(em)
	c := m.Exp(m, big.NewInt(int64(pub.E)), pub.N)

	out := make([]byte, k)
	c.FillBytes(out)
	return out, nil
}

// mgf1XOR xors out with the MGF1-SHA1 mask generated from seed, per
// RFC 8017 B.2.1.
func mgf1XOR(out, seed []byte) {
	var counter [4]byte
	var done int
	h := sha1.New()
	for done < len(out) {
		h.Reset()
		h.Write(seed)
		h.Write(counter[:])
		digest := h.Sum(nil)

		for i := 0; i < len(digest) && done < len(out); i++ {
			out[done] ^= digest[i]
			done++
		}
		for i := len(counter) - 1; i >= 0; i-- {
			counter[i]++
			if counter[i] != 0 {
				break
			}
		}
	}
}
