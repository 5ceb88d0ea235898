package event

import (
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr/nip19"
)

// DecodePubKey converts a shareable public key (npub1... or 64-char hex) into the raw
// hex form used in Event.PubKey.
func DecodePubKey(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty public key")
	}
	if strings.HasPrefix(s, "npub1") {
		prefix, value, err := nip19.Decode(s)
		if err != nil {
			return "", fmt.Errorf("decode %s: %w", s, err)
		}
		hexKey, ok := value.(string)
		if prefix != "npub" || !ok {
			return "", fmt.Errorf("decode %s: unexpected prefix %q", s, prefix)
		}
		return hexKey, nil
	}
	lower := strings.ToLower(s)
	if !isLowerHex(lower, 64) {
		return "", fmt.Errorf("invalid public key %q: want npub or 64 hex chars", s)
	}
	return lower, nil
}

// DecodePubKeys decodes every key in list, failing on the first bad one.
func DecodePubKeys(list []string) ([]string, error) {
	out := make([]string, 0, len(list))
	for _, k := range list {
		hexKey, err := DecodePubKey(k)
		if err != nil {
			return nil, err
		}
		out = append(out, hexKey)
	}
	return out, nil
}

// EncodePubKey renders a hex public key as npub. Invalid keys are returned unchanged.
func EncodePubKey(hexKey string) string {
	npub, err := nip19.EncodePublicKey(hexKey)
	if err != nil {
		return hexKey
	}
	return npub
}

// ShortNpub abbreviates an npub for display, e.g. npub1abcd…wxyz.
func ShortNpub(hexKey string) string {
	npub := EncodePubKey(hexKey)
	if len(npub) <= 20 {
		return npub
	}
	return npub[:9] + "…" + npub[len(npub)-4:]
}
