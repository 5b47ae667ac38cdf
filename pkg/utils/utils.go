package utils

import (
	"fmt"
	"math"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// GenerateJWT generates a JWT token for an identity
func GenerateJWT(identity uuid.UUID, secret string, expiration time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"identity": identity.String(),
		"exp":      time.Now().Add(expiration).Unix(),
		"iat":      time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ValidateJWT validates a JWT token and returns the identity it was issued to
func ValidateJWT(tokenString, secret string) (uuid.UUID, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})

	if err != nil {
		return uuid.Nil, err
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		identityStr, ok := claims["identity"].(string)
		if !ok {
			return uuid.Nil, fmt.Errorf("invalid identity claim")
		}

		identity, err := uuid.Parse(identityStr)
		if err != nil {
			return uuid.Nil, fmt.Errorf("invalid identity format")
		}

		return identity, nil
	}

	return uuid.Nil, fmt.Errorf("invalid token")
}

// RoundPercentage computes round(uploaded/total*100), clamped to [0, 100].
// Returns 0 when total is not positive.
func RoundPercentage(uploaded, total int64) float64 {
	if total <= 0 {
		return 0
	}
	pct := math.Round(float64(uploaded) / float64(total) * 100)
	if pct > 100 {
		pct = 100
	}
	return pct
}

// BytesToGB converts a byte count to gigabytes rounded to two decimals
func BytesToGB(bytes int64) float64 {
	gb := float64(bytes) / (1024 * 1024 * 1024)
	return math.Round(gb*100) / 100
}

// FormatBytes formats byte size in human-readable format
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	suffixes := []string{"B", "KB", "MB", "GB", "TB", "PB", "EB"}
	return fmt.Sprintf("%.1f %s", float64(bytes)/float64(div), suffixes[exp])
}
