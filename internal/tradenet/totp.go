package tradenet

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"
)

// The trading network's authenticator does not use RFC 6238 digits; codes
// are five characters drawn from this reduced alphabet.
const totpAlphabet = "23456789BCDFGHJKMNPQRTVWXY"

const (
	totpPeriod = 30 * time.Second
	totpDigits = 5
)

// GenerateAuthCode derives the one-time login code for the given shared
// secret (base64) at time now.
func GenerateAuthCode(sharedSecret string, now time.Time) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(sharedSecret)
	if err != nil {
		return "", fmt.Errorf("decode shared secret: %w", err)
	}
	if len(secret) == 0 {
		return "", fmt.Errorf("empty shared secret")
	}

	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], uint64(now.Unix())/uint64(totpPeriod.Seconds()))

	mac := hmac.New(sha1.New, secret)
	mac.Write(counter[:])
	digest := mac.Sum(nil)

	// Dynamic truncation per RFC 4226.
	offset := digest[len(digest)-1] & 0x0f
	code := binary.BigEndian.Uint32(digest[offset:offset+4]) & 0x7fffffff

	out := make([]byte, totpDigits)
	for i := range out {
		out[i] = totpAlphabet[code%uint32(len(totpAlphabet))]
		code /= uint32(len(totpAlphabet))
	}
	return string(out), nil
}
