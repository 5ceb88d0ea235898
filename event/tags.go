package event

// ReplyParent returns the id of the event ev replies to, following NIP-10: an "e" tag
// marked "reply" wins, then one marked "root", then the last unmarked "e" tag.
func ReplyParent(ev *Event) string {
	var root, positional string
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != "e" {
			continue
		}
		marker := ""
		if len(tag) >= 4 {
			marker = tag[3]
		}
		switch marker {
		case "reply":
			return tag[1]
		case "root":
			root = tag[1]
		case "":
			positional = tag[1]
		}
	}
	if root != "" {
		return root
	}
	return positional
}

// HasContentWarning reports whether ev carries a NIP-36 content-warning tag, and its reason.
func HasContentWarning(ev *Event) (bool, string) {
	for _, tag := range ev.Tags {
		if len(tag) >= 1 && tag[0] == "content-warning" {
			if len(tag) >= 2 {
				return true, tag[1]
			}
			return true, ""
		}
	}
	return false, ""
}
