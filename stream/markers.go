package stream

import "strings"

const (
	reasoningOpen  = "[REASONING]"
	reasoningClose = "[/REASONING]"
)

type segment struct {
	reasoning bool
	text      string
}

// markerSplitter cuts delta text on the in-band reasoning markers. A marker
// may arrive split over several deltas, so any trailing text that could be
// the start of a marker is held back until the next feed or flush.
type markerSplitter struct {
	reasoning bool
	pending   string
}

func (s *markerSplitter) feed(delta string) []segment {
	buf := s.pending + delta
	s.pending = ""

	var out []segment
	for {
		i, marker := nextMarker(buf)
		if i < 0 {
			break
		}
		if i > 0 {
			out = append(out, segment{reasoning: s.reasoning, text: buf[:i]})
		}
		s.reasoning = marker == reasoningOpen
		buf = buf[i+len(marker):]
	}

	hold := partialMarker(buf)
	if cut := len(buf) - hold; cut > 0 {
		out = append(out, segment{reasoning: s.reasoning, text: buf[:cut]})
	}
	s.pending = buf[len(buf)-hold:]
	return out
}

// flush releases held-back text at the end of the stream.
func (s *markerSplitter) flush() []segment {
	if s.pending == "" {
		return nil
	}
	seg := segment{reasoning: s.reasoning, text: s.pending}
	s.pending = ""
	return []segment{seg}
}

func nextMarker(buf string) (int, string) {
	open := strings.Index(buf, reasoningOpen)
	closing := strings.Index(buf, reasoningClose)
	switch {
	case open < 0 && closing < 0:
		return -1, ""
	case closing < 0 || (open >= 0 && open < closing):
		return open, reasoningOpen
	default:
		return closing, reasoningClose
	}
}

// partialMarker returns the length of the longest suffix of buf that is a
// proper prefix of either marker.
func partialMarker(buf string) int {
	longest := 0
	for _, marker := range []string{reasoningOpen, reasoningClose} {
		n := len(marker) - 1
		if n > len(buf) {
			n = len(buf)
		}
		for ; n > longest; n-- {
			if strings.HasPrefix(marker, buf[len(buf)-n:]) {
				longest = n
				break
			}
		}
	}
	return longest
}
