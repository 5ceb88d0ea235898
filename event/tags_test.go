package event

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func TestReplyParent(t *testing.T) {
	tests := []struct {
		name string
		tags nostr.Tags
		want string
	}{
		{name: "no tags", want: ""},
		{name: "marked reply wins", tags: nostr.Tags{{"e", "root", "", "root"}, {"e", "parent", "", "reply"}}, want: "parent"},
		{name: "root only", tags: nostr.Tags{{"e", "root", "wss://r", "root"}}, want: "root"},
		{name: "positional uses last", tags: nostr.Tags{{"e", "first"}, {"p", "someone"}, {"e", "last"}}, want: "last"},
		{name: "mention ignored", tags: nostr.Tags{{"e", "quoted", "", "mention"}}, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ReplyParent(&Event{Tags: tt.tags}); got != tt.want {
				t.Errorf("ReplyParent() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHasContentWarning(t *testing.T) {
	ok, reason := HasContentWarning(&Event{Tags: nostr.Tags{{"content-warning", "spoilers"}}})
	if !ok || reason != "spoilers" {
		t.Errorf("HasContentWarning() = %v, %q", ok, reason)
	}
	if ok, _ := HasContentWarning(&Event{}); ok {
		t.Error("HasContentWarning() on untagged event = true")
	}
}
