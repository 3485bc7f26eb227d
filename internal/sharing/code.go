package sharing

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"

	"github.com/dukerupert/listsync/internal/model"
)

// CodeGenerator returns a candidate sharing code.
type CodeGenerator func() (string, error)

// RandomCodes draws codes uniformly from the code alphabet using r, or
// crypto/rand when r is nil.
func RandomCodes(r io.Reader) CodeGenerator {
	if r == nil {
		r = rand.Reader
	}
	max := big.NewInt(int64(len(model.CodeAlphabet)))
	return func() (string, error) {
		buf := make([]byte, model.CodeLength)
		for i := range buf {
			n, err := rand.Int(r, max)
			if err != nil {
				return "", fmt.Errorf("generate sharing code: %w", err)
			}
			buf[i] = model.CodeAlphabet[n.Int64()]
		}
		return string(buf), nil
	}
}
