package main

import (
	"slices"
	"time"
)

const (
	defaultHeaderColor = "#212529"
	defaultTitle       = "Music Request"
	defaultBackupPath  = "./backups"

	defaultSongHistoryLimit = 500
	defaultChatHistoryLimit = 1000
	initialChatBacklog      = 50
)

// SongRequest is a queued request annotated with resolved metadata.
type SongRequest struct {
	ID           string    `json:"id"`
	Song         string    `json:"song"`
	SongTitle    string    `json:"songTitle"`
	SongDuration string    `json:"songDuration"`
	RequestedBy  string    `json:"requestedBy"`
	RequestedAt  time.Time `json:"requestedAt"`
}

// ChatMessage is one line of the shared chat.
type ChatMessage struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// User is the roster view of a session.
type User struct {
	ID       string    `json:"id"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Limits caps the newest-first histories. Zero means unbounded.
type Limits struct {
	SongHistory int
	ChatHistory int
}

// State is the whole shared application state. It has no locking of its own:
// it is owned by the hub loop and every access happens there.
type State struct {
	Queue       []SongRequest
	Current     *SongRequest
	SongHistory []SongRequest // newest first
	ChatHistory []ChatMessage // newest first
	HeaderColor string
	Title       string
	APIKey      string
	BackupPath  string

	limits Limits

	// autoPlayClaim holds the id of the request that reserved the right to
	// start playback while its metadata is being resolved.
	autoPlayClaim string

	// pending holds submitted requests in arrival order until they are
	// resolved and can take their place in the queue.
	pending []pendingRequest
}

type pendingRequest struct {
	id  string
	req *SongRequest // nil while resolving
}

// NewState returns an empty state with default settings.
func NewState(limits Limits) *State {
	return &State{
		Queue:       []SongRequest{},
		SongHistory: []SongRequest{},
		ChatHistory: []ChatMessage{},
		HeaderColor: defaultHeaderColor,
		Title:       defaultTitle,
		BackupPath:  defaultBackupPath,
		limits:      limits,
	}
}

// prependCapped returns a new slice with v in front of list, truncated to
// limit entries (oldest dropped). The input slice is never modified so that
// previously handed out slices stay valid.
func prependCapped[T any](list []T, v T, limit int) []T {
	n := len(list) + 1
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]T, 0, n)
	out = append(out, v)
	return append(out, list[:n-1]...)
}

func capList[T any](list []T, limit int) []T {
	if list == nil {
		return []T{}
	}
	if limit > 0 && len(list) > limit {
		return list[:limit]
	}
	return list
}

// Enqueue appends r to the tail of the queue.
func (s *State) Enqueue(r SongRequest) {
	s.Queue = append(slices.Clip(s.Queue), r)
}

// Reserve holds a place in line for a request whose metadata is still being
// resolved.
func (s *State) Reserve(id string) {
	s.pending = append(s.pending, pendingRequest{id: id})
}

// Resolved records r as ready and returns, in submission order, every request
// that may now be enqueued. Requests behind a slower one keep waiting for it.
// An r that was never reserved is returned as is.
func (s *State) Resolved(r SongRequest) []SongRequest {
	i := slices.IndexFunc(s.pending, func(p pendingRequest) bool { return p.id == r.ID })
	if i < 0 {
		return []SongRequest{r}
	}
	s.pending[i].req = &r
	n := 0
	for n < len(s.pending) && s.pending[n].req != nil {
		n++
	}
	ready := make([]SongRequest, 0, n)
	for _, p := range s.pending[:n] {
		ready = append(ready, *p.req)
	}
	s.pending = slices.Delete(s.pending, 0, n)
	return ready
}

// Play promotes the queued request with the given id to the current song.
func (s *State) Play(id string) (SongRequest, bool) {
	i := slices.IndexFunc(s.Queue, func(r SongRequest) bool { return r.ID == id })
	if i < 0 {
		return SongRequest{}, false
	}
	r := s.Queue[i]
	s.Queue = slices.Delete(slices.Clone(s.Queue), i, i+1)
	s.setCurrent(&r)
	return r, true
}

// PlayNext plays the head of the queue, or clears the current song when the
// queue is empty. It reports whether something started playing.
func (s *State) PlayNext() (SongRequest, bool) {
	if len(s.Queue) == 0 {
		s.Current = nil
		return SongRequest{}, false
	}
	return s.Play(s.Queue[0].ID)
}

// Stop clears the current song. History is left alone.
func (s *State) Stop() {
	s.Current = nil
}

// SetCurrent replaces the current song directly, bypassing the queue.
func (s *State) SetCurrent(r *SongRequest) {
	if r == nil {
		s.Current = nil
		return
	}
	cp := *r
	s.setCurrent(&cp)
}

func (s *State) setCurrent(r *SongRequest) {
	s.Current = r
	s.SongHistory = prependCapped(s.SongHistory, *r, s.limits.SongHistory)
}

// AddChat records a chat message.
func (s *State) AddChat(m ChatMessage) {
	s.ChatHistory = prependCapped(s.ChatHistory, m, s.limits.ChatHistory)
}

// RecentChat returns at most n of the newest chat messages.
func (s *State) RecentChat(n int) []ChatMessage {
	return capList(s.ChatHistory, n)
}

// ClaimAutoPlay reserves auto-play for token when nothing is playing, nothing
// is queued and no other request holds the claim.
func (s *State) ClaimAutoPlay(token string) bool {
	if s.autoPlayClaim != "" || s.Current != nil || len(s.Queue) > 0 {
		return false
	}
	s.autoPlayClaim = token
	return true
}

// ShouldAutoPlay is asked right after the request identified by token has been
// enqueued. The claim holder plays if nothing started meanwhile; without any
// claim outstanding, a lone request on an idle player plays too.
func (s *State) ShouldAutoPlay(token string) bool {
	if s.autoPlayClaim == token {
		s.autoPlayClaim = ""
		return s.Current == nil
	}
	return s.autoPlayClaim == "" && s.Current == nil && len(s.Queue) == 1
}

// Snapshot copies the persisted fields.
func (s *State) Snapshot(now time.Time) Snapshot {
	return Snapshot{
		SongQueue:     slices.Clone(s.Queue),
		SongHistory:   slices.Clone(s.SongHistory),
		ChatHistory:   slices.Clone(s.ChatHistory),
		HeaderColor:   s.HeaderColor,
		YoutubeAPIKey: s.APIKey,
		Title:         s.Title,
		BackupDate:    now.UTC().Format(time.RFC3339Nano),
	}
}

// Restore overwrites the persisted fields from snap. Missing fields fall back
// to their defaults; the current song and the roster are not part of a
// snapshot and stay as they are.
func (s *State) Restore(snap Snapshot) {
	s.Queue = capList(snap.SongQueue, 0)
	s.SongHistory = capList(snap.SongHistory, s.limits.SongHistory)
	s.ChatHistory = capList(snap.ChatHistory, s.limits.ChatHistory)
	s.HeaderColor = snap.HeaderColor
	if s.HeaderColor == "" {
		s.HeaderColor = defaultHeaderColor
	}
	s.APIKey = snap.YoutubeAPIKey
	s.Title = snap.Title
	if s.Title == "" {
		s.Title = defaultTitle
	}
	s.autoPlayClaim = ""
}
