package repository

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

// PINLength is the number of digits in a join PIN.
const PINLength = 6

// maxPINAttempts bounds the create-room retry loop on PIN collisions.
const maxPINAttempts = 10

// disallowedPINs are trivially guessable codes the generator refuses.
var disallowedPINs = map[string]struct{}{
	"123456": {},
	"000000": {},
}

// GeneratePIN returns a random 6-digit PIN, skipping all-same-digit codes and
// the explicitly disallowed patterns.
func GeneratePIN() (string, error) {
	for {
		n, err := rand.Int(rand.Reader, big.NewInt(1000000))
		if err != nil {
			return "", fmt.Errorf("failed to generate pin: %w", err)
		}
		pin := fmt.Sprintf("%06d", n.Int64())
		if ValidPIN(pin) {
			return pin, nil
		}
	}
}

// ValidPIN reports whether pin is an acceptable join code: exactly six digits,
// not all the same digit, not on the deny list.
func ValidPIN(pin string) bool {
	if len(pin) != PINLength {
		return false
	}
	allSame := true
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return false
		}
		if pin[i] != pin[0] {
			allSame = false
		}
	}
	if allSame {
		return false
	}
	_, denied := disallowedPINs[pin]
	return !denied
}

// AllocateRoom assigns a fresh PIN to row and inserts it, retrying with a new
// PIN on collision. After maxPINAttempts collisions the conflict is returned
// to the caller as-is.
func AllocateRoom(ctx context.Context, s Store, row *RoomRow) error {
	var lastErr error
	for attempt := 0; attempt < maxPINAttempts; attempt++ {
		pin, err := GeneratePIN()
		if err != nil {
			return err
		}
		row.PIN = pin
		if err := s.CreateRoom(ctx, row); err != nil {
			if errors.Is(err, ErrConflict) {
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("exhausted pin allocation attempts: %w", lastErr)
}
