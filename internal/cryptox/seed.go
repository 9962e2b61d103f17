package cryptox

import "crypto/md5"

// Seed is the deterministic IV generator for one record's payload set. The
// initial state is the 16-byte MD5 digest of the instance id concatenated
// with the raw symmetric key. Before every encryption exactly one byte of
// the state is incremented (wrapping at 256), cycling through the buffer
// position-by-position, and the full 16-byte state is the IV.
//
// Seed is a value type: NextIV returns the advanced state instead of
// mutating in place, so out-of-order use is impossible to hide.
type Seed struct {
	state   [md5.Size]byte
	counter int
}

// NewSeed derives the initial seed state for a record.
func NewSeed(instanceID string, symmetricKey []byte) Seed {
	h := md5.New()
	h.Write([]byte(instanceID))
	h.Write(symmetricKey)

	var s Seed
	copy(s.state[:], h.Sum(nil))
	return s
}

// NextIV advances the seed by one step and returns the new state together
// with the IV to use for the next single encryption.
func (s Seed) NextIV() (Seed, []byte) {
	s.state[s.counter%len(s.state)]++
	s.counter++

	iv := make([]byte, len(s.state))
	copy(iv, s.state[:])
	return s, iv
}
