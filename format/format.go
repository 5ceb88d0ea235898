// Package format turns admitted events into Discord webhook messages.
package format

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/onnwee/nostrhook/event"
	"github.com/onnwee/nostrhook/sink"
)

// LinkStyle selects where event and profile links point.
type LinkStyle string

const (
	LinkNjump  LinkStyle = "njump"
	LinkPrimal LinkStyle = "primal"
	LinkNostr  LinkStyle = "nostr"
)

// DefaultColor is the embed accent (nostr purple).
const DefaultColor = 0x8e30eb

// ParseLinkStyle validates a configured link style. Empty means njump.
func ParseLinkStyle(s string) (LinkStyle, error) {
	switch LinkStyle(strings.ToLower(strings.TrimSpace(s))) {
	case "", LinkNjump:
		return LinkNjump, nil
	case LinkPrimal:
		return LinkPrimal, nil
	case LinkNostr:
		return LinkNostr, nil
	}
	return "", fmt.Errorf("unknown link style %q (want njump, primal or nostr)", s)
}

// Formatter builds one embed per event.
type Formatter struct {
	LinkStyle LinkStyle
	// ReplyContext quotes the parent of a reply when it is available.
	ReplyContext bool
	// DisplayName and AvatarURL override the webhook identity; when empty the author's
	// shortened npub is used.
	DisplayName string
	AvatarURL   string
	Color       int
}

// Format renders ev. parent may be nil.
func (f Formatter) Format(ev *event.Event, parent *event.Event) sink.Message {
	name := f.DisplayName
	if name == "" {
		name = event.ShortNpub(ev.PubKey)
	}
	color := f.Color
	if color == 0 {
		color = DefaultColor
	}

	noteLink := f.EventLink(ev.ID)
	embed := sink.Embed{
		Author:    &sink.EmbedAuthor{Name: truncate(name, sink.MaxAuthorName), URL: httpOnly(f.ProfileLink(ev.PubKey)), IconURL: f.AvatarURL},
		Timestamp: time.Unix(int64(ev.CreatedAt), 0).UTC().Format(time.RFC3339),
		Color:     color,
		Footer:    &sink.EmbedFooter{Text: fmt.Sprintf("nostr · kind %d", ev.Kind)},
	}
	var suffix string
	if strings.HasPrefix(noteLink, "https://") {
		embed.URL = noteLink
		embed.Title = "View on " + string(f.style())
	} else if noteLink != "" {
		suffix = "\n\n" + noteLink
	}
	embed.Description = truncate(description(ev, suffix), sink.MaxDescription)

	if f.ReplyContext {
		if field, ok := f.replyField(ev, parent); ok {
			embed.Fields = append(embed.Fields, field)
		}
	}

	return sink.Message{
		Username:        truncate(name, 80),
		AvatarURL:       f.AvatarURL,
		Embeds:          []sink.Embed{embed},
		AllowedMentions: &sink.AllowedMentions{Parse: []string{}},
	}
}

// description renders the note body followed by suffix. Only the content is shortened to
// fit the embed limit, so a content-warning spoiler always keeps both of its markers.
func description(ev *event.Event, suffix string) string {
	var open, closing string
	if warn, reason := event.HasContentWarning(ev); warn {
		label := "Content warning"
		if reason != "" {
			label += ": " + truncate(reason, sink.MaxTitle)
		}
		open, closing = "**"+label+"**\n||", "||"
	}
	room := sink.MaxDescription - utf8.RuneCountInString(open+closing+suffix)
	return open + truncate(ev.Content, max(room, 1)) + closing + suffix
}

func (f Formatter) replyField(ev, parent *event.Event) (sink.EmbedField, bool) {
	parentID := event.ReplyParent(ev)
	if parentID == "" {
		return sink.EmbedField{}, false
	}
	if parent == nil || parent.ID != parentID {
		return sink.EmbedField{Name: "In reply to", Value: truncate(f.EventLink(parentID), sink.MaxFieldValue)}, true
	}
	quote := "> " + strings.ReplaceAll(strings.TrimSpace(parent.Content), "\n", "\n> ")
	return sink.EmbedField{
		Name:  "In reply to " + event.ShortNpub(parent.PubKey),
		Value: truncate(quote, sink.MaxFieldValue),
	}, true
}

func (f Formatter) style() LinkStyle {
	if f.LinkStyle == "" {
		return LinkNjump
	}
	return f.LinkStyle
}

// EventLink returns a viewer link for an event id, or "" when the id cannot be encoded.
func (f Formatter) EventLink(id string) string {
	note, err := nip19.EncodeNote(id)
	if err != nil {
		return ""
	}
	switch f.style() {
	case LinkPrimal:
		return "https://primal.net/e/" + note
	case LinkNostr:
		return "nostr:" + note
	default:
		return "https://njump.me/" + note
	}
}

// ProfileLink returns a viewer link for an author.
func (f Formatter) ProfileLink(pubkey string) string {
	npub := event.EncodePubKey(pubkey)
	switch f.style() {
	case LinkPrimal:
		return "https://primal.net/p/" + npub
	case LinkNostr:
		return "nostr:" + npub
	default:
		return "https://njump.me/" + npub
	}
}

// Discord rejects embeds whose URLs are not http(s).
func httpOnly(link string) string {
	if strings.HasPrefix(link, "https://") || strings.HasPrefix(link, "http://") {
		return link
	}
	return ""
}

// truncate cuts s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}
