// Package signature signs purchase intents so the allocator can reject
// forged or tampered queue payloads.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"

	"github.com/kirinyoku/tix-rush/internal/domain"
)

var ErrEmptyKey = errors.New("signature: empty key")

type Signer struct {
	key []byte
}

func NewSigner(key []byte) (*Signer, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}

	k := make([]byte, len(key))
	copy(k, key)

	return &Signer{key: k}, nil
}

// Sign returns the hex HMAC-SHA256 of the intent's immutable fields.
func (s *Signer) Sign(in domain.PurchaseIntent) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(payload(in)))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Signer) Verify(in domain.PurchaseIntent) bool {
	got, err := hex.DecodeString(in.Signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(payload(in)))

	return hmac.Equal(got, mac.Sum(nil))
}

// payload length-prefixes every field, so a separator inside the
// client-chosen request id cannot shift bytes into the next field.
func payload(in domain.PurchaseIntent) string {
	var b strings.Builder
	for _, f := range []string{
		in.RequestID,
		strconv.FormatInt(in.UserID, 10),
		in.Date,
		strconv.FormatInt(in.SubmittedAtMillis, 10),
	} {
		b.WriteString(strconv.Itoa(len(f)))
		b.WriteByte(':')
		b.WriteString(f)
	}
	return b.String()
}
