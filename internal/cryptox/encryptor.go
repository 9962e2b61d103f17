// Package cryptox encrypts finalized records for submission.
//
// The output must stay byte-compatible with the tooling that decrypts the
// submissions server-side. The scheme: a fresh 256-bit AES key per record,
// wrapped with RSA-OAEP (SHA-256 digest, MGF1-SHA1); payloads encrypted
// one at a time with AES-CFB and a deterministic IV chain (media files in
// record order, XML last); an XML manifest embedding the wrapped key,
// payload names and a signed digest of the whole set.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/fieldsync/fieldsync/internal/common"
	"github.com/fieldsync/fieldsync/internal/models"
)

const (
	// encSuffix is appended to every encrypted payload name.
	encSuffix = ".enc"

	// xmlPayloadName is the reserved name of the encrypted XML payload.
	xmlPayloadName = "submission.xml" + encSuffix

	symmetricKeySize = 32
)

// FormKey carries the form properties the encryptor needs.
type FormKey struct {
	ID      string
	Version string
	// EncryptionKey is the base64 SPKI body of the form's RSA public key.
	EncryptionKey string
}

// Enabled reports whether a survey requires encrypted submissions.
func Enabled(survey *models.Survey) bool {
	return survey != nil && survey.EncryptionKey != ""
}

// Encryptor encrypts records. The zero randomness source is crypto/rand;
// tests substitute a deterministic reader.
type Encryptor struct {
	rand io.Reader
}

func New() *Encryptor {
	return &Encryptor{rand: rand.Reader}
}

// EncryptRecord replaces the record's XML with the manifest document and
// its file list with the encrypted payload set, in place, so an encrypted
// record flows through the same submission path as a plain one. Every file
// must be materialized. Any cipher failure aborts the whole operation; no
// partial manifests are produced.
func (e *Encryptor) EncryptRecord(form FormKey, record *models.Record) error {
	for _, f := range record.Files {
		if !f.Materialized() {
			return fmt.Errorf("%w: file %q has no content", common.ErrEncryptionFailed, f.Name)
		}
	}

	pub, err := ParsePublicKey(form.EncryptionKey)
	if err != nil {
		return err
	}

	symmetricKey := make([]byte, symmetricKeySize)
	if _, err := io.ReadFull(e.rand, symmetricKey); err != nil {
		return fmt.Errorf("%w: %v", common.ErrEncryptionFailed, err)
	}
	wrapped, err := encryptOAEP(e.rand, pub, symmetricKey)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrEncryptionFailed, err)
	}
	wrappedKey := base64.StdEncoding.EncodeToString(wrapped)

	// Strictly sequential: the IV chain makes out-of-order encryption
	// produce undecryptable ciphertext.
	seed := NewSeed(record.InstanceID, symmetricKey)
	encrypted := make([]models.FileRef, 0, len(record.Files)+1)
	digests := make([]string, 0, len(record.Files)+1)
	var mediaNames []string

	for _, f := range record.Files {
		var iv []byte
		seed, iv = seed.NextIV()
		ciphertext, err := encryptContent(f.Data, symmetricKey, iv)
		if err != nil {
			return err
		}
		name := f.Name + encSuffix
		encrypted = append(encrypted, models.MaterializedFile(name, ciphertext))
		digests = append(digests, payloadDigest(f.Name, f.Data))
		mediaNames = append(mediaNames, name)
	}

	var iv []byte
	seed, iv = seed.NextIV()
	xmlCiphertext, err := encryptContent([]byte(record.XML), symmetricKey, iv)
	if err != nil {
		return err
	}
	encrypted = append(encrypted, models.MaterializedFile(xmlPayloadName, xmlCiphertext))
	digests = append(digests, payloadDigest(strings.TrimSuffix(xmlPayloadName, encSuffix), []byte(record.XML)))

	signature, err := e.sign(form, wrappedKey, record.InstanceID, digests, pub)
	if err != nil {
		return err
	}

	manifestXML, err := buildManifest(form.ID, form.Version, wrappedKey, record.InstanceID, mediaNames, xmlPayloadName, signature)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrEncryptionFailed, err)
	}

	record.XML = manifestXML
	record.Files = encrypted
	return nil
}

// sign builds the element signature: form id, optional version, wrapped
// key, instance id, then one "<name>::<md5hex>" line per payload in
// encryption order; newline-joined with a trailing newline, MD5-digested
// and RSA-OAEP-encrypted like the key.
func (e *Encryptor) sign(form FormKey, wrappedKey, instanceID string, digests []string, pub *rsa.PublicKey) (string, error) {
	elements := []string{form.ID}
	if form.Version != "" {
		elements = append(elements, form.Version)
	}
	elements = append(elements, wrappedKey, instanceID)
	elements = append(elements, digests...)

	sum := md5.Sum([]byte(strings.Join(elements, "\n") + "\n"))
	encryptedSig, err := encryptOAEP(e.rand, pub, sum[:])
	if err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrEncryptionFailed, err)
	}
	return base64.StdEncoding.EncodeToString(encryptedSig), nil
}

func payloadDigest(name string, plaintext []byte) string {
	sum := md5.Sum(plaintext)
	return name + "::" + hex.EncodeToString(sum[:])
}

// encryptContent pads the plaintext to the AES block size (PKCS#7) and
// encrypts it with AES-128-segment CFB under the given key and IV.
func encryptContent(plaintext, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrEncryptionFailed, err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCFBEncrypter(block, iv).XORKeyStream(out, padded)
	return out, nil
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	padded := make([]byte, len(b)+n)
	copy(padded, b)
	for i := len(b); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}
