package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// ErrIntegrity is returned when an envelope's integrity hash does not
// match its contents.
var ErrIntegrity = errors.New("storage: integrity check failed")

// envelope is the stored wire form of a sealed value.
type envelope struct {
	Payload       string `json:"payload"` // base64, masked plaintext
	Timestamp     int64  `json:"timestamp"`
	IntegrityHash string `json:"integrityHash"`
}

// Codec seals values into tamper-evident envelopes and opens them back.
//
// The integrity hash is a keyed HMAC-SHA256 over the plaintext plus the
// per-write timestamp. The payload is additionally masked with an XOR
// keystream derived from the same key and timestamp. The masking is
// obfuscation, not cryptography: the key ships with the deployment, so
// it raises the bar against casual editing of the stored ledger and
// nothing more. Tamper evidence rests on the keyed hash check.
type Codec struct {
	secret []byte
}

// NewCodec returns a Codec keyed with the given secret.
func NewCodec(secret string) *Codec {
	return &Codec{secret: []byte(secret)}
}

// Seal wraps plaintext in a masked, integrity-hashed envelope.
func (c *Codec) Seal(plaintext []byte, now time.Time) ([]byte, error) {
	ts := now.UnixMilli()
	env := envelope{
		Payload:       base64.StdEncoding.EncodeToString(c.mask(plaintext, ts)),
		Timestamp:     ts,
		IntegrityHash: c.sum(plaintext, ts),
	}
	return json.Marshal(env)
}

// Open unmasks an envelope and verifies its integrity hash. Any parse
// or hash failure yields ErrIntegrity; callers treat the record as
// corrupted and decide between fail-open and punitive handling.
func (c *Codec) Open(data []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrIntegrity
	}
	masked, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		return nil, ErrIntegrity
	}
	plaintext := c.mask(masked, env.Timestamp) // XOR is its own inverse
	if !hmac.Equal([]byte(c.sum(plaintext, env.Timestamp)), []byte(env.IntegrityHash)) {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}

// sum computes the keyed integrity hash over plaintext and timestamp.
func (c *Codec) sum(plaintext []byte, ts int64) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(plaintext)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// mask XORs data against a keystream expanded from the secret and the
// envelope timestamp.
func (c *Codec) mask(data []byte, ts int64) []byte {
	out := make([]byte, len(data))
	var block [sha256.Size]byte
	for i := 0; i < len(data); i += sha256.Size {
		h := sha256.New()
		h.Write(c.secret)
		h.Write([]byte(strconv.FormatInt(ts, 10)))
		h.Write([]byte(strconv.Itoa(i / sha256.Size)))
		h.Sum(block[:0])
		for j := 0; j < sha256.Size && i+j < len(data); j++ {
			out[i+j] = data[i+j] ^ block[j]
		}
	}
	return out
}
