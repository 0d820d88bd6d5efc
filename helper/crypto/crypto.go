// Package crypto provides small helpers over the OS CSPRNG.
package crypto

import (
	"crypto/rand"
	"fmt"
)

// Bytes returns n bytes of cryptographically secure random data, or an error
// if the OS entropy source fails.
func Bytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %v", err)
	}
	return buf, nil
}
