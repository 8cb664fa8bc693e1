package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"khatpos/internal/domain"
)

var ErrTooManyAttempts = errors.New("too many override attempts")

// Authorizer grants a one-off below-cost override for a privileged PIN.
type Authorizer interface {
	AuthorizeOverride(ctx context.Context, pin string) (domain.Actor, error)
}

type StaffDirectory interface {
	ListStaff(ctx context.Context) ([]domain.StaffMember, error)
}

// StaffPINAuthorizer checks PINs against the bcrypt hashes of active managers
// and owners in the staff directory. There is no fallback PIN.
type StaffPINAuthorizer struct {
	staff   StaffDirectory
	limiter *rate.Limiter
}

func NewStaffPINAuthorizer(staff StaffDirectory, attemptsPerMinute int) *StaffPINAuthorizer {
	if attemptsPerMinute < 1 {
		attemptsPerMinute = 8
	}
	return &StaffPINAuthorizer{
		staff:   staff,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(attemptsPerMinute)), attemptsPerMinute),
	}
}

func (a *StaffPINAuthorizer) AuthorizeOverride(ctx context.Context, pin string) (domain.Actor, error) {
	if !a.limiter.Allow() {
		return domain.Actor{}, ErrTooManyAttempts
	}
	input := strings.TrimSpace(pin)
	if input == "" {
		return domain.Actor{}, ErrBelowCostUnauthorized
	}

	staff, err := a.staff.ListStaff(ctx)
	if err != nil {
		return domain.Actor{}, err
	}
	for _, member := range staff {
		if !member.Active || !member.Actor().Elevated() {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(member.PINHash), []byte(input)) == nil {
			return member.Actor(), nil
		}
	}
	return domain.Actor{}, ErrBelowCostUnauthorized
}

func HashPIN(pin string) (string, error) {
	if err := ValidatePINStrength(pin); err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// ValidatePINStrength rejects PINs that are short, non-numeric, all the same
// digit, sequential (ascending or descending), or from a known-weak list.
func ValidatePINStrength(pin string) error {
	if len(pin) < 6 {
		return fmt.Errorf("PIN must be at least 6 digits")
	}
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return fmt.Errorf("PIN must contain digits only")
		}
	}

	known := map[string]bool{
		"121212": true, "112233": true, "123123": true, "101010": true, "696969": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
