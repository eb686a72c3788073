package conversation

import (
	"regexp"
	"strings"
)

// TruncateMarker ends every truncated reply.
const TruncateMarker = "..."

// DefaultMaxMessageLength is the longest reply posted as a single message.
const DefaultMaxMessageLength = 3000

// Truncate returns text unchanged if it has at most max runes. Otherwise it
// returns exactly max runes, the last of which are TruncateMarker.
func Truncate(text string, max int) string {
	r := []rune(text)
	if len(r) <= max {
		return text
	}
	if max <= 0 {
		return ""
	}
	keep := max - len(TruncateMarker)
	if keep < 0 {
		return TruncateMarker[:max]
	}
	return string(r[:keep]) + TruncateMarker
}

var (
	codeSpanRe   = regexp.MustCompile("(?s)```.*?```|`[^`\n]*`")
	ruleRe       = regexp.MustCompile(`(?m)^[ \t]*(?:-{3,}|\*{3,}|_{3,})[ \t]*$`)
	headingRe    = regexp.MustCompile(`(?m)^#{1,6}[ \t]+(.+?)[ \t]*#*[ \t]*$`)
	boldStarRe   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	boldUnderRe  = regexp.MustCompile(`__(.+?)__`)
	strikeRe     = regexp.MustCompile(`~~(.+?)~~`)
	linkRe       = regexp.MustCompile(`\[([^\]\n]+)\]\(([^)\s]+)\)`)
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
)

// MarkdownToMrkdwn converts the Markdown an agent writes into Slack mrkdwn.
// Fenced and inline code is left untouched.
func MarkdownToMrkdwn(text string) string {
	if text == "" {
		return ""
	}

	var sb strings.Builder
	last := 0
	for _, loc := range codeSpanRe.FindAllStringIndex(text, -1) {
		sb.WriteString(convertProse(text[last:loc[0]]))
		sb.WriteString(text[loc[0]:loc[1]])
		last = loc[1]
	}
	sb.WriteString(convertProse(text[last:]))

	return blankLinesRe.ReplaceAllString(sb.String(), "\n\n")
}

func convertProse(s string) string {
	if s == "" {
		return s
	}
	s = ruleRe.ReplaceAllString(s, "")
	s = headingRe.ReplaceAllStringFunc(s, func(m string) string {
		title := headingRe.FindStringSubmatch(m)[1]
		title = strings.NewReplacer("**", "", "__", "").Replace(title)
		return "*" + title + "*"
	})
	s = boldStarRe.ReplaceAllString(s, "*$1*")
	s = boldUnderRe.ReplaceAllString(s, "*$1*")
	s = strikeRe.ReplaceAllString(s, "~$1~")
	s = linkRe.ReplaceAllString(s, "<$2|$1>")
	return s
}

// StripMention removes <@botUserID> tags from an app mention. An empty
// botUserID strips every leading user mention.
func StripMention(text, botUserID string) string {
	if botUserID != "" {
		text = strings.ReplaceAll(text, "<@"+botUserID+">", "")
		return strings.TrimSpace(text)
	}
	text = strings.TrimSpace(text)
	for strings.HasPrefix(text, "<@") {
		end := strings.IndexByte(text, '>')
		if end < 0 {
			break
		}
		text = strings.TrimSpace(text[end+1:])
	}
	return text
}
