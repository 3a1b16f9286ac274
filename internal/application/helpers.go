package application

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/mail"
	"strings"

	"github.com/viralforge/cuepassport/internal/domain"
)

// normalizeEmail canonicalizes and validates email format before persistence/comparison.
func normalizeEmail(email string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(email))
	if trimmed == "" {
		return "", fmt.Errorf("%w: email is required", domain.ErrInvalidInput)
	}
	if _, err := mail.ParseAddress(trimmed); err != nil {
		return "", fmt.Errorf("%w: invalid email", domain.ErrInvalidInput)
	}
	return trimmed, nil
}

// randomHex returns a cryptographically random hex token.
func randomHex(bytesLen int) string {
	raw := make([]byte, bytesLen)
	_, _ = rand.Read(raw)
	return hex.EncodeToString(raw)
}

func summarize(user domain.User, balance float64) UserSummary {
	return UserSummary{
		UserID:        user.UserID,
		DID:           user.DID,
		Username:      user.Username,
		DisplayName:   user.DisplayName,
		Email:         user.Email,
		TrustScore:    user.TrustScore,
		PassportLevel: user.PassportLevel,
		Status:        user.Status,
		CueBalance:    balance,
	}
}

// activeCredentials drops credentials disabled after a replay.
func activeCredentials(creds []domain.Credential) []domain.Credential {
	out := make([]domain.Credential, 0, len(creds))
	for _, c := range creds {
		if !c.Disabled() {
			out = append(out, c)
		}
	}
	return out
}

func credentialIDs(creds []domain.Credential) []string {
	out := make([]string, 0, len(creds))
	for _, c := range creds {
		out = append(out, c.CredentialID)
	}
	return out
}
