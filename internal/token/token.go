// Package token mints the opaque identifiers handed to buyers: download tokens,
// license keys and human-readable order numbers.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const (
	// LicenseAlphabet omits 0, O, 1, I and L so keys survive being read aloud.
	LicenseAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	orderAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	downloadTokenBytes = 32
	licenseGroups      = 4
	licenseGroupSize   = 4
	orderSuffixLength  = 6
)

// DownloadToken returns 256 bits of randomness as 64 lowercase hex characters.
func DownloadToken() (string, error) {
	buf := make([]byte, downloadTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// LicenseKey returns a key shaped XXXX-XXXX-XXXX-XXXX.
func LicenseKey() (string, error) {
	groups := make([]string, licenseGroups)
	for i := range groups {
		group, err := randomString(LicenseAlphabet, licenseGroupSize)
		if err != nil {
			return "", err
		}
		groups[i] = group
	}
	return strings.Join(groups, "-"), nil
}

// OrderNumber returns PREFIX-YYYYMMDD-XXXXXX with the date taken in UTC.
func OrderNumber(prefix string, now time.Time) (string, error) {
	suffix, err := randomString(orderAlphabet, orderSuffixLength)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%s", prefix, now.UTC().Format("20060102"), suffix), nil
}

func randomString(alphabet string, n int) (string, error) {
	limit := big.NewInt(int64(len(alphabet)))
	var b strings.Builder
	b.Grow(n)
	for range n {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("sample random index: %w", err)
		}
		b.WriteByte(alphabet[idx.Int64()])
	}
	return b.String(), nil
}
