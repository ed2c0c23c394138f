package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"parley/contexts/federation/messaging-sync/ports"
)

// DefaultSignatureSkew is the clock-skew window for inbound timestamps.
const DefaultSignatureSkew = 5 * time.Minute

// Signer builds and verifies HMAC-SHA256 signatures over the canonical
// request string lower(domain) + "\n" + lower(method) + "\n" + timestamp.
type Signer struct {
	Skew time.Duration
}

func (s Signer) Sign(domain string, method string, timestamp string, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonicalString(domain, method, timestamp)))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks freshness first, then recomputes the expected signature with
// every secret matching keyID. An empty keyID falls back to every configured
// secret for the peer, supporting callers that predate key rotation.
func (s Signer) Verify(
	peer ports.Peer,
	domain string,
	method string,
	timestamp string,
	keyID string,
	signature string,
	now time.Time,
) bool {
	if !s.fresh(timestamp, now) {
		return false
	}

	matched := false
	for _, key := range peer.Keys {
		if keyID != "" && key.ID != keyID {
			continue
		}
		expected := s.Sign(domain, method, timestamp, key.Secret)
		if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1 {
			matched = true
		}
	}
	return matched
}

// OutboundKey returns the peer's designated active-outbound key, or the
// first configured key when none is marked active.
func (s Signer) OutboundKey(peer ports.Peer) (ports.PeerKey, bool) {
	for _, key := range peer.Keys {
		if key.ActiveOutbound {
			return key, true
		}
	}
	if len(peer.Keys) > 0 {
		return peer.Keys[0], true
	}
	return ports.PeerKey{}, false
}

func (s Signer) fresh(timestamp string, now time.Time) bool {
	seconds, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return false
	}
	skew := s.Skew
	if skew <= 0 {
		skew = DefaultSignatureSkew
	}
	delta := now.UTC().Sub(time.Unix(seconds, 0).UTC())
	if delta < 0 {
		delta = -delta
	}
	return delta <= skew
}

func canonicalString(domain string, method string, timestamp string) string {
	return strings.ToLower(domain) + "\n" + strings.ToLower(method) + "\n" + timestamp
}
