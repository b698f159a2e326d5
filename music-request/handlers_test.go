package main

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/portal-music/music-request/youtube"
)

func lookupWith(videos ...youtube.Video) *fakeLookup {
	f := newFakeLookup()
	for _, v := range videos {
		f.videos[v.ID] = v
	}
	return f
}

func withKey(h *Hub) {
	h.call(func() { h.state.APIKey = "key" })
}

func TestSetNameSendsInitialStateAndRoster(t *testing.T) {
	h := newTestHub(t, HubConfig{})
	h.call(func() {
		h.state.Title = "Office radio"
		for i := 0; i < 60; i++ {
			h.state.AddChat(ChatMessage{ID: string(rune('a' + i%26)), Sender: "x", Text: "hi"})
		}
	})
	other := join(t, h, "bob", false)

	c := connect(t, h, false)
	emit(t, h, c, EventSetName, "  alice  ")
	h.Settle()

	fs := frames(t, c)
	snap := decodeLast[InitialState](t, fs, EventInitialState)
	assert.Equal(t, []string{"bob", "alice"}, usernames(snap.ActiveUsers))
	assert.Len(t, snap.ChatHistory, initialChatBacklog)
	assert.Equal(t, "Office radio", snap.Title)
	assert.Equal(t, defaultHeaderColor, snap.HeaderColor)
	assert.NotNil(t, snap.SongQueue)
	assert.Nil(t, snap.CurrentSong)

	users := decodeLast[[]User](t, frames(t, other), EventActiveUsers)
	assert.Equal(t, []string{"bob", "alice"}, usernames(users))
}

func TestSetNameEmptyIsIgnored(t *testing.T) {
	h := newTestHub(t, HubConfig{})
	c := connect(t, h, false)
	emit(t, h, c, EventSetName, "   ")
	emit(t, h, c, EventSetName, 42)
	h.Settle()
	assert.Empty(t, frames(t, c))
	assert.Equal(t, 0, inspect(h, func(*State) int { return h.registry.Len() }))
}

func TestReidentificationIsIdempotent(t *testing.T) {
	h := newTestHub(t, HubConfig{})
	first := join(t, h, "alice", false)

	emit(t, h, first, EventSetName, "alice")
	second := connect(t, h, false)
	emit(t, h, second, EventSetName, "alice")
	h.Settle()

	users := decodeLast[[]User](t, frames(t, second), EventActiveUsers)
	require.Len(t, users, 1)

	// the replaced connection going away leaves the session alone
	h.detach(first.id)
	h.Settle()
	assert.Equal(t, 1, inspect(h, func(*State) int { return h.registry.Len() }))
}

func TestRequestSongResolvesMetadata(t *testing.T) {
	lookup := lookupWith(youtube.Video{ID: "dQw4w9WgXcQ", Title: "Never Gonna Give You Up", Duration: "3:33"})
	h := newTestHub(t, HubConfig{Lookup: lookup})
	withKey(h)
	a := join(t, h, "alice", false)

	emit(t, h, a, EventRequestSong, requestSongPayload{Song: "https://www.youtube.com/watch?v=dQw4w9WgXcQ"})
	h.Settle()

	fs := frames(t, a)
	current := decodeLast[*SongRequest](t, fs, EventCurrentSong)
	require.NotNil(t, current, "idle player starts the first request")
	assert.Equal(t, "Never Gonna Give You Up", current.SongTitle)
	assert.Equal(t, "3:33", current.SongDuration)
	assert.Equal(t, "alice", current.RequestedBy)
	assert.Equal(t, "https://www.youtube.com/watch?v=dQw4w9WgXcQ", current.Song)
	assert.NotEmpty(t, current.ID)

	history := decodeLast[[]SongRequest](t, fs, EventSongHistory)
	assert.Equal(t, []string{current.ID}, ids(history))
}

func TestRequestSongMetadataFailureFallsBack(t *testing.T) {
	lookup := newFakeLookup()
	lookup.err = errors.New("quota exceeded")
	h := newTestHub(t, HubConfig{Lookup: lookup})
	withKey(h)
	a := join(t, h, "alice", false)

	emit(t, h, a, EventRequestSong, requestSongPayload{Song: "https://youtu.be/dQw4w9WgXcQ"})
	h.Settle()

	current := inspect(h, func(s *State) *SongRequest { return s.Current })
	require.NotNil(t, current)
	assert.Equal(t, "https://youtu.be/dQw4w9WgXcQ", current.SongTitle)
	assert.Equal(t, youtube.UnknownDuration, current.SongDuration)
}

func TestRequestSongWithoutKeySkipsLookup(t *testing.T) {
	lookup := lookupWith(youtube.Video{ID: "dQw4w9WgXcQ", Title: "t", Duration: "1:00"})
	h := newTestHub(t, HubConfig{Lookup: lookup})
	a := join(t, h, "alice", false)

	emit(t, h, a, EventRequestSong, requestSongPayload{Song: "some song"})
	h.Settle()

	assert.Equal(t, 0, lookup.calls)
	current := inspect(h, func(s *State) *SongRequest { return s.Current })
	require.NotNil(t, current)
	assert.Equal(t, "some song", current.SongTitle)
}

func TestRequestSongSearchFallback(t *testing.T) {
	lookup := lookupWith(youtube.Video{ID: "abcdefghijk", Title: "lofi beats", Duration: "59:59"})
	h := newTestHub(t, HubConfig{Lookup: lookup, SearchFallback: true})
	withKey(h)
	a := join(t, h, "alice", false)

	emit(t, h, a, EventRequestSong, requestSongPayload{Song: "lofi beats"})
	h.Settle()

	current := inspect(h, func(s *State) *SongRequest { return s.Current })
	require.NotNil(t, current)
	assert.Equal(t, "lofi beats", current.Song)
	assert.Equal(t, "59:59", current.SongDuration)
}

func TestRequestSongKeepsFIFOOrder(t *testing.T) {
	h := newTestHub(t, HubConfig{})
	a := join(t, h, "alice", false)

	for _, s := range []string{"one", "two", "three"} {
		emit(t, h, a, EventRequestSong, requestSongPayload{Song: s})
		h.Settle()
	}

	current, queue := inspect(h, func(s *State) *SongRequest { return s.Current }), inspect(h, func(s *State) []SongRequest { return s.Queue })
	require.NotNil(t, current)
	assert.Equal(t, "one", current.Song)
	require.Len(t, queue, 2)
	assert.Equal(t, "two", queue[0].Song)
	assert.Equal(t, "three", queue[1].Song)

	emit(t, h, a, EventAutoPlayNext, nil)
	h.Settle()
	current = inspect(h, func(s *State) *SongRequest { return s.Current })
	assert.Equal(t, "two", current.Song)
}

func TestRequestFromUnnamedConnectionIsDropped(t *testing.T) {
	h := newTestHub(t, HubConfig{})
	c := connect(t, h, false)
	emit(t, h, c, EventRequestSong, requestSongPayload{Song: "x"})
	emit(t, h, c, EventChatMessage, "hi")
	emit(t, h, c, EventRequestSong, "not an object")
	h.Settle()

	assert.Empty(t, frames(t, c))
	assert.Empty(t, inspect(h, func(s *State) []SongRequest { return s.Queue }))
	assert.Empty(t, inspect(h, func(s *State) []ChatMessage { return s.ChatHistory }))
}

func TestConcurrentRequestsAutoPlayOnce(t *testing.T) {
	lookup := lookupWith(
		youtube.Video{ID: "aaaaaaaaaaa", Title: "A", Duration: "1:00"},
		youtube.Video{ID: "bbbbbbbbbbb", Title: "B", Duration: "2:00"},
	)
	gateA := lookup.gate("aaaaaaaaaaa")
	gateB := lookup.gate("bbbbbbbbbbb")
	h := newTestHub(t, HubConfig{Lookup: lookup})
	withKey(h)
	alice := join(t, h, "alice", false)
	bob := join(t, h, "bob", false)
	frames(t, alice)

	emit(t, h, alice, EventRequestSong, requestSongPayload{Song: "aaaaaaaaaaa"})
	emit(t, h, bob, EventRequestSong, requestSongPayload{Song: "bbbbbbbbbbb"})
	h.call(func() {})

	// the later request resolves first and waits for the earlier one
	close(gateB)
	assert.Never(t, func() bool {
		return len(inspect(h, func(s *State) []SongRequest { return s.Queue })) > 0
	}, 50*time.Millisecond, 5*time.Millisecond)
	assert.Nil(t, inspect(h, func(s *State) *SongRequest { return s.Current }))

	close(gateA)
	h.Settle()

	var started int
	for _, f := range only(frames(t, alice), EventCurrentSong) {
		if string(f.Data) != "null" {
			started++
		}
	}
	assert.Equal(t, 1, started, "exactly one auto-play")

	current := inspect(h, func(s *State) *SongRequest { return s.Current })
	require.NotNil(t, current)
	assert.Equal(t, "A", current.SongTitle)
	queue := inspect(h, func(s *State) []SongRequest { return s.Queue })
	require.Len(t, queue, 1)
	assert.Equal(t, "B", queue[0].SongTitle)
}

func TestSlowLookupKeepsRequestOrder(t *testing.T) {
	lookup := lookupWith(youtube.Video{ID: "aaaaaaaaaaa", Title: "A", Duration: "1:00"})
	gate := lookup.gate("aaaaaaaaaaa")
	h := newTestHub(t, HubConfig{Lookup: lookup})
	withKey(h)
	h.call(func() {
		r := song("playing")
		h.state.SetCurrent(&r)
	})
	a := join(t, h, "alice", false)

	emit(t, h, a, EventRequestSong, requestSongPayload{Song: "aaaaaaaaaaa"})
	emit(t, h, a, EventRequestSong, requestSongPayload{Song: "second request"})
	h.call(func() {})
	close(gate)
	h.Settle()

	var played []string
	for i := 0; i < 2; i++ {
		emit(t, h, a, EventAutoPlayNext, nil)
		h.Settle()
		current := inspect(h, func(s *State) *SongRequest { return s.Current })
		require.NotNil(t, current)
		played = append(played, current.SongTitle)
	}
	assert.Equal(t, []string{"A", "second request"}, played)
}

func TestSlowLookupDoesNotBlockOtherEvents(t *testing.T) {
	lookup := newFakeLookup()
	gate := lookup.gate("aaaaaaaaaaa")
	h := newTestHub(t, HubConfig{Lookup: lookup})
	withKey(h)
	a := join(t, h, "alice", false)

	emit(t, h, a, EventRequestSong, requestSongPayload{Song: "aaaaaaaaaaa"})
	emit(t, h, a, EventChatMessage, "while waiting")
	h.call(func() {})

	assert.Len(t, only(frames(t, a), EventNewChatMessage), 1)
	close(gate)
	h.Settle()
}

func TestAdminEventsRequireAdmin(t *testing.T) {
	h := newTestHub(t, HubConfig{})
	user := join(t, h, "bob", false)
	admin := join(t, h, "root", true)

	emit(t, h, user, EventUpdateHeaderColor, "#ff0000")
	emit(t, h, user, EventUpdateTitle, "pwned")
	h.Settle()
	assert.Equal(t, defaultHeaderColor, inspect(h, func(s *State) string { return s.HeaderColor }))
	assert.Equal(t, defaultTitle, inspect(h, func(s *State) string { return s.Title }))

	emit(t, h, admin, EventUpdateHeaderColor, "#ff0000")
	emit(t, h, admin, EventUpdateTitle, "Friday <b>mix</b>")
	h.Settle()
	fs := frames(t, user)
	assert.Equal(t, "#ff0000", decodeLast[string](t, fs, EventHeaderColor))
	assert.Equal(t, "Friday mix", decodeLast[string](t, fs, EventTitle))
}

func TestInvalidHeaderColorIsIgnored(t *testing.T) {
	h := newTestHub(t, HubConfig{})
	admin := join(t, h, "root", true)
	emit(t, h, admin, EventUpdateHeaderColor, "red;background:url(x)")
	h.Settle()
	assert.Empty(t, frames(t, admin))
	assert.Equal(t, defaultHeaderColor, inspect(h, func(s *State) string { return s.HeaderColor }))
}

func TestPlayAndStop(t *testing.T) {
	h := newTestHub(t, HubConfig{})
	admin := join(t, h, "root", true)
	h.call(func() {
		h.state.Enqueue(song("a"))
		h.state.Enqueue(song("b"))
	})

	emit(t, h, admin, EventPlaySong, "b")
	h.Settle()
	fs := frames(t, admin)
	current := decodeLast[*SongRequest](t, fs, EventCurrentSong)
	require.NotNil(t, current)
	assert.Equal(t, "b", current.ID)
	assert.Equal(t, []string{"a"}, ids(decodeLast[[]SongRequest](t, fs, EventSongQueue)))
	assert.Equal(t, []string{"b"}, ids(decodeLast[[]SongRequest](t, fs, EventSongHistory)))

	emit(t, h, admin, EventPlaySong, "unknown")
	h.Settle()
	assert.Empty(t, frames(t, admin))

	emit(t, h, admin, EventStopSong, nil)
	h.Settle()
	assert.Nil(t, decodeLast[*SongRequest](t, frames(t, admin), EventCurrentSong))
}

func TestAutoPlayNextOnEmptyQueue(t *testing.T) {
	h := newTestHub(t, HubConfig{})
	a := join(t, h, "alice", false)
	r := song("x")
	h.call(func() { h.state.SetCurrent(&r) })

	emit(t, h, a, EventAutoPlayNext, nil)
	h.Settle()
	assert.Nil(t, decodeLast[*SongRequest](t, frames(t, a), EventCurrentSong))
	assert.Nil(t, inspect(h, func(s *State) *SongRequest { return s.Current }))
}

func TestUpdateCurrentSong(t *testing.T) {
	h := newTestHub(t, HubConfig{})
	admin := join(t, h, "root", true)

	emit(t, h, admin, EventUpdateCurrentSong, map[string]string{"song": "live set", "requestedBy": "dj"})
	h.Settle()
	fs := frames(t, admin)
	current := decodeLast[*SongRequest](t, fs, EventCurrentSong)
	require.NotNil(t, current)
	assert.Equal(t, "live set", current.SongTitle)
	assert.Equal(t, youtube.UnknownDuration, current.SongDuration)
	assert.NotEmpty(t, current.ID)
	assert.False(t, current.RequestedAt.IsZero())
	assert.Len(t, decodeLast[[]SongRequest](t, fs, EventSongHistory), 1)

	emit(t, h, admin, EventUpdateCurrentSong, nil)
	h.Settle()
	assert.Nil(t, decodeLast[*SongRequest](t, frames(t, admin), EventCurrentSong))
	assert.Len(t, inspect(h, func(s *State) []SongRequest { return s.SongHistory }), 1)
}

func TestHistoryRequestsReplyOnlyToAsker(t *testing.T) {
	h := newTestHub(t, HubConfig{})
	a := join(t, h, "alice", false)
	b := join(t, h, "bob", false)
	emit(t, h, a, EventChatMessage, "one")
	h.Settle()
	frames(t, a)
	frames(t, b)

	emit(t, h, a, EventGetChatHistory, nil)
	emit(t, h, a, EventGetSongHistory, nil)
	h.Settle()

	chat := decodeLast[[]ChatMessage](t, frames(t, a), EventChatHistory)
	require.Len(t, chat, 1)
	assert.Equal(t, "one", chat[0].Text)
	assert.Empty(t, frames(t, b))
}

func TestChatIsSanitized(t *testing.T) {
	h := newTestHub(t, HubConfig{})
	a := join(t, h, "alice", false)
	emit(t, h, a, EventChatMessage, `<script>alert(1)</script>hi <b>there</b>`)
	emit(t, h, a, EventChatMessage, "<i></i>")
	h.Settle()

	chat := inspect(h, func(s *State) []ChatMessage { return s.ChatHistory })
	require.Len(t, chat, 1)
	assert.Equal(t, "hi there", chat[0].Text)
}

func TestUpdateBackupPathAcksOnlyRequester(t *testing.T) {
	h := newTestHub(t, HubConfig{})
	admin := join(t, h, "root", true)
	other := join(t, h, "bob", false)

	emit(t, h, admin, EventUpdateBackupPath, "/srv/backups")
	h.Settle()

	st := decodeLast[Status](t, frames(t, admin), EventBackupPathUpdated)
	assert.True(t, st.Success)
	assert.Equal(t, "/srv/backups", st.Path)
	assert.Empty(t, frames(t, other))
	assert.Equal(t, "/srv/backups", h.BackupPath())
}

func TestBackupThenRestore(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0o644))
	dir := filepath.Join(root, "backups")

	h := newTestHub(t, HubConfig{Snapshots: NewSnapshots(root, nil)})
	admin := join(t, h, "root", true)
	watcher := join(t, h, "bob", false)
	emit(t, h, admin, EventUpdateBackupPath, dir)
	emit(t, h, admin, EventRequestSong, requestSongPayload{Song: "first"})
	emit(t, h, admin, EventRequestSong, requestSongPayload{Song: "second"})
	emit(t, h, watcher, EventChatMessage, "hello")
	emit(t, h, admin, EventUpdateHeaderColor, "#123456")
	h.Settle()
	withKey(h)

	type persisted struct {
		Queue   []SongRequest
		History []SongRequest
		Chat    []ChatMessage
		Color   string
		Key     string
	}
	capture := func(s *State) persisted {
		return persisted{s.Queue, s.SongHistory, s.ChatHistory, s.HeaderColor, s.APIKey}
	}
	before := inspect(h, capture)

	emit(t, h, admin, EventBackupSystem, nil)
	h.Settle()
	st := decodeLast[Status](t, frames(t, admin), EventBackupCompleted)
	require.True(t, st.Success, st.Message)
	assert.FileExists(t, st.DataPath)
	assert.FileExists(t, st.CodePath)
	assert.NotEmpty(t, st.Date)

	// mutate everything that was persisted
	emit(t, h, admin, EventAutoPlayNext, nil)
	emit(t, h, watcher, EventChatMessage, "after backup")
	emit(t, h, admin, EventUpdateHeaderColor, "#000000")
	h.Settle()
	h.SetAPIKey("other")
	frames(t, watcher)

	emit(t, h, admin, EventRestoreSystem, nil)
	h.Settle()

	assert.Equal(t, before, inspect(h, capture))
	restored := decodeLast[Status](t, frames(t, admin), EventRestoreCompleted)
	assert.True(t, restored.Success)

	fs := frames(t, watcher)
	for _, ev := range []string{EventSongQueue, EventSongHistory, EventChatHistory, EventHeaderColor, EventSettings, EventTitle} {
		assert.NotEmpty(t, only(fs, ev), "restore broadcasts %s", ev)
	}
	assert.Empty(t, only(fs, EventRestoreCompleted), "completion goes to the requester only")
}

func TestSecondBackupIsRefusedWhileOneRuns(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0o644))
	up := newGatedUploader()
	h := newTestHub(t, HubConfig{Snapshots: NewSnapshots(root, up)})
	admin := join(t, h, "root", true)
	emit(t, h, admin, EventUpdateBackupPath, filepath.Join(root, "backups"))
	h.Settle()
	frames(t, admin)

	emit(t, h, admin, EventBackupSystem, nil)
	<-up.entered
	emit(t, h, admin, EventBackupSystem, nil)
	emit(t, h, admin, EventRestoreSystem, nil)
	h.call(func() {})

	fs := frames(t, admin)
	busy := decodeLast[Status](t, fs, EventBackupCompleted)
	assert.False(t, busy.Success)
	assert.Equal(t, "Backup already in progress.", busy.Message)
	assert.False(t, decodeLast[Status](t, fs, EventRestoreCompleted).Success)

	close(up.release)
	h.Settle()
	done := decodeLast[Status](t, frames(t, admin), EventBackupCompleted)
	require.True(t, done.Success, done.Message)
	assert.FileExists(t, done.CodePath)
}

func TestRestoreWithoutSnapshot(t *testing.T) {
	h := newTestHub(t, HubConfig{Snapshots: NewSnapshots("", nil)})
	admin := join(t, h, "root", true)
	emit(t, h, admin, EventUpdateBackupPath, t.TempDir())
	emit(t, h, admin, EventRestoreSystem, nil)
	h.Settle()

	st := decodeLast[Status](t, frames(t, admin), EventRestoreCompleted)
	assert.False(t, st.Success)
	assert.Equal(t, "Backup file not found.", st.Message)
}

func TestBackupWithoutSnapshotsConfigured(t *testing.T) {
	h := newTestHub(t, HubConfig{})
	admin := join(t, h, "root", true)
	emit(t, h, admin, EventBackupSystem, nil)
	emit(t, h, admin, EventRestoreSystem, nil)
	h.Settle()

	fs := frames(t, admin)
	assert.False(t, decodeLast[Status](t, fs, EventBackupCompleted).Success)
	assert.False(t, decodeLast[Status](t, fs, EventRestoreCompleted).Success)
}

func TestRestartRunsOnce(t *testing.T) {
	var restarts atomic.Int32
	fired := make(chan struct{}, 2)
	h := newTestHub(t, HubConfig{OnRestart: func() {
		restarts.Add(1)
		fired <- struct{}{}
	}})
	admin := join(t, h, "root", true)

	emit(t, h, admin, EventRestartSystem, nil)
	emit(t, h, admin, EventRestartSystem, nil)
	h.Settle()

	acks := only(frames(t, admin), EventRestartInitiated)
	assert.Len(t, acks, 2)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("restart callback did not run")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), restarts.Load())
}

func TestRestartUnavailable(t *testing.T) {
	h := newTestHub(t, HubConfig{})
	admin := join(t, h, "root", true)
	emit(t, h, admin, EventRestartSystem, nil)
	h.Settle()
	assert.False(t, decodeLast[Status](t, frames(t, admin), EventRestartInitiated).Success)
}
