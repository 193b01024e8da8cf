package domain

import (
	"regexp"
	"strings"

	"github.com/gigdesk/gigdesk/internal/services/availability/storage"
)

// InboundReply is one inbound message from a channel provider callback.
type InboundReply struct {
	From          string
	Body          string
	ButtonPayload string
}

// structuredReplyPattern matches the reply codes embedded in outbound
// messages: a code word optionally followed by the ask correlation id.
// The id tail must be the full 26-character base32 id shape, so prose
// that merely starts with a code word ("Yesterday") does not match.
var structuredReplyPattern = regexp.MustCompile(`^(YES|NOLOC|UNAVAILABLE)([A-Z2-7]{26})?$`)

type classification struct {
	recognized    bool
	reply         storage.Reply
	correlationID string
}

// classifyInbound derives the canonical reply from an inbound message.
// Priority: structured button payload, then structured free text, then a
// small set of natural-language equivalents. Anything else is acknowledged
// but never applied.
func classifyInbound(in InboundReply) classification {
	if c, ok := classifyStructured(in.ButtonPayload); ok {
		return c
	}
	if c, ok := classifyStructured(in.Body); ok {
		return c
	}
	return classifyNaturalLanguage(in.Body)
}

func classifyStructured(value string) (classification, bool) {
	compact := strings.ToUpper(strings.Join(strings.Fields(value), ""))
	if compact == "" {
		return classification{}, false
	}
	match := structuredReplyPattern.FindStringSubmatch(compact)
	if match == nil {
		return classification{}, false
	}
	c := classification{
		recognized:    true,
		correlationID: strings.ToLower(match[2]),
	}
	switch match[1] {
	case "YES":
		c.reply = storage.ReplyYes
	case "NOLOC":
		c.reply = storage.ReplyNo
	case "UNAVAILABLE":
		c.reply = storage.ReplyUnavailable
	}
	return c, true
}

var naturalLanguageReplies = map[string]storage.Reply{
	"yes":            storage.ReplyYes,
	"y":              storage.ReplyYes,
	"yes please":     storage.ReplyYes,
	"available":      storage.ReplyYes,
	"im available":   storage.ReplyYes,
	"i am available": storage.ReplyYes,
	"no":             storage.ReplyNo,
	"n":              storage.ReplyNo,
	"no sorry":       storage.ReplyNo,
	"not available":  storage.ReplyNo,
}

func classifyNaturalLanguage(body string) classification {
	normalized := normalizeNaturalLanguage(body)
	reply, ok := naturalLanguageReplies[normalized]
	if !ok {
		return classification{}
	}
	return classification{recognized: true, reply: reply}
}

// normalizeNaturalLanguage lowercases, strips trailing punctuation and
// collapses whitespace so "Yes!" and " yes " classify identically.
func normalizeNaturalLanguage(body string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(body) {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r == ' ' || r == '\t' || r == '\n':
			b.WriteRune(' ')
		case r == '\'':
			// "i'm" -> "im"
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
