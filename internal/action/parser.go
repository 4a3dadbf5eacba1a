// internal/action/parser.go
package action

import "strings"

// retrievalOrder is the precedence among retrieval markers when a reply
// names more than one.
var retrievalOrder = []Kind{ImageByImage, TextByText, ImageByText}

var queryCleaner = strings.NewReplacer(`"`, "", ":", "", ">", "", "“", "", "”", "")

// Parse extracts the action carried by a raw model reply. It is pure: the same
// text always yields the same Action. A "Final Answer" marker wins over any
// retrieval marker in the same reply.
func Parse(raw string) Action {
	a := Action{Thought: extractThought(raw)}

	if idx := strings.LastIndex(raw, MarkerFinalAnswer); idx >= 0 {
		a.Type = FinalAnswer
		a.Answer = trimAnswer(raw[idx+len(MarkerFinalAnswer):])
		return a
	}

	for _, k := range retrievalOrder {
		if !strings.Contains(raw, k.Marker()) {
			continue
		}
		a.Type = Retrieve
		a.Kind = k
		a.Query = strings.TrimSpace(queryCleaner.Replace(lineAfter(raw, k.Marker())))
		a.SubQuestion = lineAfter(raw, TagSubQuestion)
		return a
	}

	return a
}

// trimAnswer drops the separator after the marker and any markdown emphasis
// wrapped around the answer.
func trimAnswer(s string) string {
	s = strings.TrimSpace(strings.TrimLeft(s, " \t\r\n:*>"))
	return strings.TrimSpace(strings.TrimRight(s, "*"))
}

// lineAfter returns the text following the last occurrence of tag up to the
// end of its line. When the tag closes its line, the next non-empty line is
// used instead, unless that line is itself a tag or marker.
func lineAfter(raw, tag string) string {
	idx := strings.LastIndex(raw, tag)
	if idx < 0 {
		return ""
	}

	lines := strings.Split(raw[idx+len(tag):], "\n")
	if first := strings.TrimSpace(strings.TrimLeft(lines[0], " \t>:*")); first != "" {
		return first
	}
	for _, line := range lines[1:] {
		t := strings.TrimSpace(line)
		if t == "" {
			continue
		}
		if isTag(t) || startsWithMarker(t) {
			return ""
		}
		return t
	}
	return ""
}

func extractThought(raw string) string {
	if idx := strings.Index(raw, TagThought); idx >= 0 {
		return untilNextTag(raw[idx+len(TagThought):])
	}
	if s := untilNextTag(raw); s != "" {
		return s
	}
	return strings.TrimSpace(raw)
}

func untilNextTag(s string) string {
	var kept []string
	for _, line := range strings.Split(s, "\n") {
		t := strings.TrimSpace(line)
		if strings.HasPrefix(t, "<") || startsWithMarker(t) {
			break
		}
		kept = append(kept, t)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func isTag(s string) bool {
	return strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">")
}

func startsWithMarker(s string) bool {
	s = strings.TrimLeft(s, "*# ")
	for _, m := range []string{MarkerFinalAnswer, MarkerTextByText, MarkerImageByText, MarkerImageByImage} {
		if strings.HasPrefix(s, m) {
			return true
		}
	}
	return false
}
