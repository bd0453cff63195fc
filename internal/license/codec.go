package license

import (
	"crypto/md5"
	"crypto/rand"
	"fmt"
	"io"
	"regexp"
	"strings"
)

const (
	// KeyPrefix is the fixed first group of every license key.
	KeyPrefix = "NUKE"
	// KeyLength is the length of a canonical key including hyphens.
	KeyLength = 24

	keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	groupSize   = 4
	groupCount  = 4
	// tierIndex is the position of the tier character: group 2, first char.
	tierIndex = len(KeyPrefix) + 1 + groupSize + 1
)

var keyPattern = regexp.MustCompile(`^NUKE-[A-Z0-9]{4}-[YL][A-Z0-9]{3}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)

// Format is the result of parsing a candidate key.
type Format struct {
	Valid bool
	Tier  Tier
}

// randReader is swapped in tests.
var randReader io.Reader = rand.Reader

// GenerateKey returns a new random key for the tier. The tier character and
// the trailing checksum letter overwrite random characters in place.
func GenerateKey(tier Tier) (string, error) {
	if !tier.IsValid() {
		return "", fmt.Errorf("%w: unknown tier %q", ErrInvalidInput, tier)
	}

	chars, err := randomChars(groupSize * groupCount)
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}

	var b strings.Builder
	b.Grow(KeyLength)
	b.WriteString(KeyPrefix)
	for g := 0; g < groupCount; g++ {
		b.WriteByte('-')
		b.Write(chars[g*groupSize : (g+1)*groupSize])
	}

	key := []byte(b.String())
	key[tierIndex] = tier.code()
	key[KeyLength-1] = checksumChar(string(key[:KeyLength-1]))
	return string(key), nil
}

// randomChars draws n characters uniformly from keyAlphabet. Bytes at or
// above the largest multiple of the alphabet size are rejected so every
// character is equally likely.
func randomChars(n int) ([]byte, error) {
	const limit = 256 - 256%len(keyAlphabet)
	out := make([]byte, 0, n)
	buf := make([]byte, n*2)
	for len(out) < n {
		if _, err := io.ReadFull(randReader, buf); err != nil {
			return nil, err
		}
		for _, c := range buf {
			if int(c) >= limit {
				continue
			}
			out = append(out, keyAlphabet[int(c)%len(keyAlphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return out, nil
}

// checksumChar maps the first MD5 byte of body onto A-Z.
func checksumChar(body string) byte {
	sum := md5.Sum([]byte(body))
	return 'A' + sum[0]%26
}

// NormalizeKey uppercases and trims a user-supplied key.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// ParseKey checks the key shape and extracts its tier. The checksum is not
// part of acceptance; see VerifyChecksum.
func ParseKey(key string) Format {
	k := NormalizeKey(key)
	if !keyPattern.MatchString(k) {
		return Format{}
	}
	tier, ok := tierFromCode(k[tierIndex])
	if !ok {
		return Format{}
	}
	return Format{Valid: true, Tier: tier}
}

// VerifyChecksum reports whether the final character of a well-formed key
// matches the checksum of the rest of it.
func VerifyChecksum(key string) bool {
	k := NormalizeKey(key)
	if !keyPattern.MatchString(k) {
		return false
	}
	return k[KeyLength-1] == checksumChar(k[:KeyLength-1])
}
