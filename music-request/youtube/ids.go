package youtube

import (
	"regexp"
	"strings"
)

var (
	bareVideoID     = regexp.MustCompile(`^[a-zA-Z0-9_-]{11}$`)
	urlVideoID      = regexp.MustCompile(`^.*(?:youtu\.be/|v/|e/|u/\w+/|embed/|shorts/|v=)([^#&?]*).*`)
	playlistIDParam = regexp.MustCompile(`[&?]list=([a-zA-Z0-9_-]+)`)
)

// ExtractVideoID returns the 11 character video id found in s, which may be a
// bare id or any of the usual watch/share/embed URL shapes. It returns "" when
// nothing that looks like an id is present.
func ExtractVideoID(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if bareVideoID.MatchString(s) {
		return s
	}
	m := urlVideoID.FindStringSubmatch(s)
	if len(m) == 2 && len(m[1]) == 11 {
		return m[1]
	}
	return ""
}

// ExtractPlaylistID pulls the list= parameter out of a pasted playlist URL.
func ExtractPlaylistID(s string) string {
	m := playlistIDParam.FindStringSubmatch(s)
	if len(m) == 2 {
		return m[1]
	}
	return ""
}

// WatchURL is the canonical watch page for a video id.
func WatchURL(id string) string {
	return "https://www.youtube.com/watch?v=" + id
}
