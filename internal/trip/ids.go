package trip

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

func newID() string { return uuid.NewString() }

// newTripNumber builds the human-readable reference shown to riders and
// support staff, e.g. TR-20260829-4F2A1C.
func newTripNumber(at time.Time) string {
	b := make([]byte, 3)
	_, _ = rand.Read(b)
	return fmt.Sprintf("TR-%s-%X", at.UTC().Format("20060102"), b)
}

// newPIN generates the 4-digit start code. crypto/rand so PINs are not
// guessable from trip ids or timestamps.
func newPIN() string {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		// rand.Int only fails if the entropy source is broken
		return "0000"
	}
	return fmt.Sprintf("%04d", n.Int64())
}
