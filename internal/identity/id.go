package identity

import (
	"crypto/rand"
	"math/big"
)

const idCharset = "abcdefghijklmnopqrstuvwxyz0123456789"
const idLength = 7

// NewPeerID generates the short opaque identifier a peer registers under.
// It is unique per connected session and never persisted.
func NewPeerID() string {
	id := make([]byte, idLength)
	max := big.NewInt(int64(len(idCharset)))
	for i := range id {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails if the platform entropy source is
			// broken, at which point nothing else will work either.
			panic(err)
		}
		id[i] = idCharset[n.Int64()]
	}
	return string(id)
}
