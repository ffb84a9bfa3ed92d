package stepup

import (
	"context"
	"crypto/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/tendant/simple-delegate/pkg/errors"
)

// ErrFactorNotFound is returned by a FactorStore for actors that never
// enrolled.
var ErrFactorNotFound = errors.New(errors.ErrCodeStepUpNotEnrolled, "no step-up factor enrolled")

// Factor is the enrolled second factor of one actor.
type Factor struct {
	ActorID          uuid.UUID `json:"actor_id"`
	TOTPSecret       string    `json:"totp_secret"`
	BackupCodeHashes []string  `json:"backup_code_hashes"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Enrolled reports whether any usable factor remains.
func (f Factor) Enrolled() bool {
	return f.TOTPSecret != "" || len(f.BackupCodeHashes) > 0
}

// FactorStore persists factors. ConsumeBackupCode must find and remove a
// matching code atomically, so a code can succeed at most once even under
// concurrent use.
type FactorStore interface {
	GetFactor(ctx context.Context, actorID uuid.UUID) (Factor, error)
	SaveFactor(ctx context.Context, f Factor) error
	ConsumeBackupCode(ctx context.Context, actorID uuid.UUID, code string) (bool, error)
}

var bcryptCost = bcrypt.DefaultCost

const (
	backupCodeCount  = 10
	backupCodeLength = 10
	// no 0/O or 1/I
	backupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// NormalizeBackupCode uppercases and strips separators users tend to type.
func NormalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}

func HashBackupCode(code string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(NormalizeBackupCode(code)), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// matchBackupCode returns the index of the hash matching code, or -1.
func matchBackupCode(hashes []string, code string) int {
	normalized := []byte(NormalizeBackupCode(code))
	if len(normalized) == 0 {
		return -1
	}
	for i, h := range hashes {
		if bcrypt.CompareHashAndPassword([]byte(h), normalized) == nil {
			return i
		}
	}
	return -1
}

func removeAt(hashes []string, i int) []string {
	out := make([]string, 0, len(hashes)-1)
	out = append(out, hashes[:i]...)
	return append(out, hashes[i+1:]...)
}

func generateBackupCodes(n int) ([]string, error) {
	codes := make([]string, n)
	buf := make([]byte, backupCodeLength)
	for i := range codes {
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
		var sb strings.Builder
		for j, b := range buf {
			if j == backupCodeLength/2 {
				sb.WriteByte('-')
			}
			sb.WriteByte(backupCodeAlphabet[int(b)%len(backupCodeAlphabet)])
		}
		codes[i] = sb.String()
	}
	return codes, nil
}
