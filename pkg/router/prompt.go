package router

import (
	"encoding/xml"
	"regexp"
	"strings"

	"chatbridge/pkg/store"
)

// Messages are presented to the agent as an XML document so sender names
// and bodies survive arbitrary content without delimiter collisions.
type xmlMessage struct {
	XMLName xml.Name `xml:"message"`
	From    string   `xml:"from,attr"`
	TS      string   `xml:"ts,attr"`
	Content string   `xml:"content"`
}

type xmlMessages struct {
	XMLName xml.Name     `xml:"messages"`
	Items   []xmlMessage `xml:"message"`
}

// formatMessages renders a batch of chat messages as the agent prompt.
func formatMessages(msgs []*store.Message) string {
	doc := xmlMessages{Items: make([]xmlMessage, 0, len(msgs))}
	for _, m := range msgs {
		doc.Items = append(doc.Items, xmlMessage{
			From:    m.SenderName,
			TS:      m.Timestamp,
			Content: m.Content,
		})
	}

	out, err := xml.Marshal(doc)
	if err != nil {
		// Marshal of a plain struct cannot fail; fall back to raw text so
		// messages are never silently dropped.
		var sb strings.Builder
		for _, m := range msgs {
			sb.WriteString(m.SenderName + ": " + m.Content + "\n")
		}
		return sb.String()
	}
	return string(out)
}

// internalRe matches agent reasoning the user should never see. Non-greedy
// so multiple blocks in one result are each removed.
var internalRe = regexp.MustCompile(`(?s)<internal>.*?</internal>`)

// StripInternal removes <internal>...</internal> blocks from agent output.
// Returns "" when nothing user-visible remains.
func StripInternal(s string) string {
	return strings.TrimSpace(internalRe.ReplaceAllString(s, ""))
}

// containsWord reports whether text contains word, case-insensitively.
func containsWord(text, word string) bool {
	return strings.Contains(strings.ToLower(text), strings.ToLower(word))
}
