package format

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/onnwee/nostrhook/event"
	"github.com/onnwee/nostrhook/sink"
	"github.com/onnwee/nostrhook/testutil"
)

func TestParseLinkStyle(t *testing.T) {
	tests := []struct {
		in      string
		want    LinkStyle
		wantErr bool
	}{
		{"", LinkNjump, false},
		{"njump", LinkNjump, false},
		{" Primal ", LinkPrimal, false},
		{"nostr", LinkNostr, false},
		{"iris", "", true},
	}
	for _, tt := range tests {
		got, err := ParseLinkStyle(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseLinkStyle(%q) = %q, %v; want %q, err=%v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestFormatLinkStyles(t *testing.T) {
	alice := testutil.NewKeypair(t)
	ev := alice.Note(t, 1700000000, "gm")
	note, _ := nip19.EncodeNote(ev.ID)

	tests := []struct {
		style   LinkStyle
		wantURL string
	}{
		{LinkNjump, "https://njump.me/" + note},
		{LinkPrimal, "https://primal.net/e/" + note},
		{LinkNostr, ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.style), func(t *testing.T) {
			msg := Formatter{LinkStyle: tt.style}.Format(ev, nil)
			if len(msg.Embeds) != 1 {
				t.Fatalf("embeds = %d, want 1", len(msg.Embeds))
			}
			embed := msg.Embeds[0]
			if embed.URL != tt.wantURL {
				t.Errorf("URL = %q, want %q", embed.URL, tt.wantURL)
			}
			if tt.style == LinkNostr {
				if !strings.Contains(embed.Description, "nostr:"+note) {
					t.Errorf("description %q lacks nostr: link", embed.Description)
				}
				if embed.Author.URL != "" {
					t.Errorf("author URL = %q, want empty for non-http link", embed.Author.URL)
				}
			}
			if embed.Timestamp != "2023-11-14T22:13:20Z" {
				t.Errorf("timestamp = %q", embed.Timestamp)
			}
		})
	}
}

func TestFormatIdentity(t *testing.T) {
	alice := testutil.NewKeypair(t)
	ev := alice.Note(t, 1000, "hello")

	msg := Formatter{}.Format(ev, nil)
	if msg.Username != event.ShortNpub(alice.Public) {
		t.Errorf("Username = %q, want short npub", msg.Username)
	}
	if msg.AllowedMentions == nil || len(msg.AllowedMentions.Parse) != 0 {
		t.Errorf("mentions not suppressed: %+v", msg.AllowedMentions)
	}
	if msg.Embeds[0].Color != DefaultColor {
		t.Errorf("Color = %x", msg.Embeds[0].Color)
	}

	msg = Formatter{DisplayName: "Alice", AvatarURL: "https://example.com/a.png"}.Format(ev, nil)
	if msg.Username != "Alice" || msg.AvatarURL != "https://example.com/a.png" || msg.Embeds[0].Author.Name != "Alice" {
		t.Errorf("override identity not applied: %+v", msg)
	}
}

func TestFormatTruncatesContent(t *testing.T) {
	alice := testutil.NewKeypair(t)
	ev := alice.Note(t, 1000, strings.Repeat("é", sink.MaxDescription+50))
	desc := Formatter{}.Format(ev, nil).Embeds[0].Description
	if n := utf8.RuneCountInString(desc); n != sink.MaxDescription {
		t.Errorf("description runes = %d, want %d", n, sink.MaxDescription)
	}
	if !strings.HasSuffix(desc, "…") {
		t.Errorf("truncated description lacks ellipsis")
	}
}

func TestFormatContentWarning(t *testing.T) {
	alice := testutil.NewKeypair(t)
	ev := alice.Note(t, 1000, "spoilers", nostr.Tag{"content-warning", "plot"})
	desc := Formatter{}.Format(ev, nil).Embeds[0].Description
	if !strings.HasPrefix(desc, "**Content warning: plot**\n||spoilers||") {
		t.Errorf("description = %q", desc)
	}
}

func TestFormatLongContentWarningKeepsSpoiler(t *testing.T) {
	alice := testutil.NewKeypair(t)
	ev := alice.Note(t, 1000, strings.Repeat("x", 5000), nostr.Tag{"content-warning", "gore"})
	for _, style := range []LinkStyle{LinkNjump, LinkNostr} {
		t.Run(string(style), func(t *testing.T) {
			desc := Formatter{LinkStyle: style}.Format(ev, nil).Embeds[0].Description
			if n := utf8.RuneCountInString(desc); n > sink.MaxDescription {
				t.Fatalf("description runes = %d, want <= %d", n, sink.MaxDescription)
			}
			if !strings.HasPrefix(desc, "**Content warning: gore**\n||") {
				t.Errorf("description prefix = %q", desc[:40])
			}
			if got := strings.Count(desc, "||"); got != 2 {
				t.Errorf("spoiler markers = %d, want 2", got)
			}
			body := desc
			if style == LinkNostr {
				i := strings.LastIndex(desc, "\n\nnostr:")
				if i < 0 {
					t.Fatalf("nostr link missing from %q", desc[len(desc)-80:])
				}
				body = desc[:i]
			}
			if !strings.HasSuffix(body, "…||") {
				t.Errorf("spoiler does not close after the truncated content: %q", body[len(body)-20:])
			}
		})
	}
}

func TestFormatReplyContext(t *testing.T) {
	alice := testutil.NewKeypair(t)
	bob := testutil.NewKeypair(t)
	parent := bob.Note(t, 900, "original\nthought")
	reply := alice.Note(t, 1000, "agreed", nostr.Tag{"e", parent.ID, "", "reply"})

	t.Run("disabled", func(t *testing.T) {
		if fields := (Formatter{}).Format(reply, parent).Embeds[0].Fields; len(fields) != 0 {
			t.Errorf("fields = %+v, want none", fields)
		}
	})

	t.Run("parent quoted", func(t *testing.T) {
		fields := Formatter{ReplyContext: true}.Format(reply, parent).Embeds[0].Fields
		if len(fields) != 1 {
			t.Fatalf("fields = %+v", fields)
		}
		if fields[0].Value != "> original\n> thought" {
			t.Errorf("quote = %q", fields[0].Value)
		}
		if !strings.Contains(fields[0].Name, event.ShortNpub(bob.Public)) {
			t.Errorf("field name = %q", fields[0].Name)
		}
	})

	t.Run("parent unavailable", func(t *testing.T) {
		fields := Formatter{ReplyContext: true}.Format(reply, nil).Embeds[0].Fields
		note, _ := nip19.EncodeNote(parent.ID)
		if len(fields) != 1 || !strings.Contains(fields[0].Value, note) {
			t.Errorf("fields = %+v, want link to parent", fields)
		}
	})

	t.Run("not a reply", func(t *testing.T) {
		if fields := (Formatter{ReplyContext: true}).Format(parent, nil).Embeds[0].Fields; len(fields) != 0 {
			t.Errorf("fields = %+v, want none", fields)
		}
	})
}
