package sequence

import "strings"

// FindStop reports the first stop string present in text, preferring the
// earliest match position.
func FindStop(text string, stops []string) (string, bool) {
	first := -1
	var found string
	for _, stop := range stops {
		if stop == "" {
			continue
		}
		if i := strings.Index(text, stop); i >= 0 && (first == -1 || i < first) {
			first = i
			found = stop
		}
	}
	return found, first >= 0
}

// TruncateAtStop cuts text at the start of the given stop string, so the
// returned text never contains the stop string itself.
func TruncateAtStop(text, stop string) string {
	if i := strings.Index(text, stop); i >= 0 {
		return text[:i]
	}
	return text
}

// CheckStop applies the sequence's stop strings to its decoded text.
// On a match the text is truncated and the sequence finishes with
// ReasonStopString.
func (s *Sequence) CheckStop() bool {
	stop, ok := FindStop(s.Text, s.Req.StopStrings)
	if !ok {
		return false
	}
	s.Text = TruncateAtStop(s.Text, stop)
	s.Finish(ReasonStopString)
	return true
}
