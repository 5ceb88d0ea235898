// Package testutil provides signed-event builders and fake relay/webhook servers for tests.
package testutil

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

// Keypair is a throwaway author identity for tests.
type Keypair struct {
	Secret string
	Public string
}

// NewKeypair generates a fresh random keypair.
func NewKeypair(t testing.TB) Keypair {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("derive public key: %v", err)
	}
	return Keypair{Secret: sk, Public: pk}
}

// Note returns a signed kind-1 event authored by k.
func (k Keypair) Note(t testing.TB, createdAt int64, content string, tags ...nostr.Tag) *nostr.Event {
	t.Helper()
	return k.Sign(t, createdAt, nostr.KindTextNote, content, tags...)
}

// Sign builds and signs an event of the given kind.
func (k Keypair) Sign(t testing.TB, createdAt int64, kind int, content string, tags ...nostr.Tag) *nostr.Event {
	t.Helper()
	ev := &nostr.Event{
		PubKey:    k.Public,
		CreatedAt: nostr.Timestamp(createdAt),
		Kind:      kind,
		Tags:      nostr.Tags(tags),
		Content:   content,
	}
	if ev.Tags == nil {
		ev.Tags = nostr.Tags{}
	}
	if err := ev.Sign(k.Secret); err != nil {
		t.Fatalf("sign event: %v", err)
	}
	return ev
}
