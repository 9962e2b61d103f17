package cryptox

import (
	"bytes"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"math/big"
)

// decryptOAEP is the test-side inverse of encryptOAEP: raw private-key
// operation followed by OAEP unpadding with the same split hash setup.
func decryptOAEP(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	k := priv.PublicKey.Size()
	if len(ciphertext) != k {
		return nil, errors.New("ciphertext length mismatch")
	}
	hLen := sha256.Size

	c := new(big.Int).SetBytes(ciphertext)
	m := c.Exp(c, priv.D, priv.PublicKey.N)
	em := make([]byte, k)
	m.FillBytes(em)

	if em[0] != 0x00 {
		return nil, errors.New("bad padding")
	}
	seed := em[1 : 1+hLen]
	db := em[1+hLen:]

	mgf1XOR(seed, db)
	mgf1XOR(db, seed)

	lHash := sha256.Sum256(nil)
	if !bytes.Equal(db[:hLen], lHash[:]) {
		return nil, errors.New("label hash mismatch")
	}
	rest := db[hLen:]
	idx := bytes.IndexByte(rest, 0x01)
	if idx < 0 {
		return nil, errors.New("separator not found")
	}
	for _, b := range rest[:idx] {
		if b != 0x00 {
			return nil, errors.New("bad padding string")
		}
	}
	return rest[idx+1:], nil
}
