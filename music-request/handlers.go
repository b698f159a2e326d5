package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-music/music-request/youtube"
)

func (h *Hub) eventHandlers() map[string]eventHandler {
	return map[string]eventHandler{
		EventSetName:           h.onSetName,
		EventRequestSong:       h.onRequestSong,
		EventChatMessage:       h.onChatMessage,
		EventPlaySong:          h.onPlaySong,
		EventStopSong:          h.onStopSong,
		EventAutoPlayNext:      h.onAutoPlayNext,
		EventUpdateCurrentSong: h.onUpdateCurrentSong,
		EventUpdateHeaderColor: h.onUpdateHeaderColor,
		EventUpdateTitle:       h.onUpdateTitle,
		EventGetSongHistory:    h.onGetSongHistory,
		EventGetChatHistory:    h.onGetChatHistory,
		EventUpdateBackupPath:  h.onUpdateBackupPath,
		EventBackupSystem:      h.onBackupSystem,
		EventRestoreSystem:     h.onRestoreSystem,
		EventRestartSystem:     h.onRestartSystem,
	}
}

func newRequestID() string {
	return uuid.NewString()
}

func (h *Hub) onSetName(c *client, data json.RawMessage) {
	name := sanitizeName(decodeString(data), maxNameLen)
	if name == "" {
		return
	}
	s := h.registry.Register(c.id, name)
	log.Info().Str("user", s.Name).Str("conn", c.id).Msg("[musicreq] name set")
	h.broadcastRoster()
	h.sendTo(c.id, EventInitialState, h.initialState())
}

func (h *Hub) onRequestSong(c *client, data json.RawMessage) {
	var p requestSongPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	s, ok := h.registry.Find(c.id)
	if !ok {
		log.Debug().Str("conn", c.id).Msg("[musicreq] song request from unnamed connection dropped")
		return
	}
	h.submitRequest(s.Name, p.Song)
}

// submitRequest resolves metadata off the loop and then appends the request.
// The request keeps its place in line while resolving, and the auto-play
// claim is taken before the lookup starts so that concurrent requests on an
// idle player start playback exactly once.
func (h *Hub) submitRequest(requester, song string) bool {
	song = sanitizeName(song, maxSongLen)
	if song == "" {
		return false
	}
	req := SongRequest{
		ID:          newRequestID(),
		Song:        song,
		RequestedBy: requester,
		RequestedAt: h.now(),
	}
	if h.draining.Load() {
		return false
	}
	h.state.Reserve(req.ID)
	h.state.ClaimAutoPlay(req.ID)
	apiKey := h.state.APIKey
	return h.async(func(ctx context.Context) func() {
		req.SongTitle, req.SongDuration = h.resolve(ctx, apiKey, song)
		return func() { h.appendRequest(req) }
	})
}

func (h *Hub) appendRequest(req SongRequest) {
	ready := h.state.Resolved(req)
	if len(ready) == 0 {
		return
	}
	for _, r := range ready {
		h.state.Enqueue(r)
		log.Info().Str("song", r.Song).Str("user", r.RequestedBy).Msg("[musicreq] song requested")
		if h.state.ShouldAutoPlay(r.ID) {
			h.playNext()
		}
	}
	h.broadcastQueue()
}

// resolve never fails: without a usable answer the raw input becomes the
// title and the duration is unknown.
func (h *Hub) resolve(ctx context.Context, apiKey, song string) (title, duration string) {
	title, duration = song, youtube.UnknownDuration
	if h.cfg.Lookup == nil || apiKey == "" {
		metadataLookups.WithLabelValues("skipped").Inc()
		return title, duration
	}
	ctx, cancel := context.WithTimeout(ctx, h.cfg.MetadataTimeout)
	defer cancel()

	var (
		v   youtube.Video
		err error
	)
	if id := youtube.ExtractVideoID(song); id != "" {
		v, err = h.cfg.Lookup.Video(ctx, apiKey, id)
	} else if h.cfg.SearchFallback {
		v, err = h.cfg.Lookup.Search(ctx, apiKey, song)
	} else {
		metadataLookups.WithLabelValues("skipped").Inc()
		return title, duration
	}
	if err != nil {
		result := "error"
		if errors.Is(err, youtube.ErrNotFound) {
			result = "not_found"
		}
		metadataLookups.WithLabelValues(result).Inc()
		log.Warn().Err(err).Str("song", song).Msg("[musicreq] metadata lookup failed")
		return title, duration
	}
	metadataLookups.WithLabelValues("ok").Inc()
	if v.Title != "" {
		title = v.Title
	}
	if v.Duration != "" {
		duration = v.Duration
	}
	return title, duration
}

func (h *Hub) onChatMessage(c *client, data json.RawMessage) {
	text := sanitizeText(decodeString(data), maxTextLen)
	if text == "" {
		return
	}
	s, ok := h.registry.Find(c.id)
	if !ok {
		return
	}
	msg := ChatMessage{
		ID:        ulid.Make().String(),
		Sender:    s.Name,
		Text:      text,
		Timestamp: h.now(),
	}
	h.state.AddChat(msg)
	h.broadcast(EventNewChatMessage, msg)
}

func (h *Hub) onPlaySong(_ *client, data json.RawMessage) {
	id := decodeString(data)
	if id == "" {
		return
	}
	if r, ok := h.state.Play(id); ok {
		log.Info().Str("song", r.Song).Str("user", r.RequestedBy).Msg("[musicreq] playing")
		h.broadcastPlayback()
	}
}

func (h *Hub) onStopSong(*client, json.RawMessage) {
	h.state.Stop()
	h.broadcast(EventCurrentSong, nil)
}

func (h *Hub) onAutoPlayNext(*client, json.RawMessage) {
	h.playNext()
}

func (h *Hub) playNext() {
	if r, ok := h.state.PlayNext(); ok {
		log.Info().Str("song", r.Song).Str("user", r.RequestedBy).Msg("[musicreq] playing next")
		h.broadcastPlayback()
		return
	}
	h.broadcast(EventCurrentSong, nil)
}

func (h *Hub) onUpdateCurrentSong(_ *client, data json.RawMessage) {
	var song *SongRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &song); err != nil {
			return
		}
	}
	if song == nil {
		h.state.SetCurrent(nil)
		h.broadcast(EventCurrentSong, nil)
		return
	}
	if song.ID == "" {
		song.ID = newRequestID()
	}
	if song.RequestedAt.IsZero() {
		song.RequestedAt = h.now()
	}
	if song.SongDuration == "" {
		song.SongDuration = youtube.UnknownDuration
	}
	if song.SongTitle == "" {
		song.SongTitle = song.Song
	}
	h.state.SetCurrent(song)
	h.broadcast(EventCurrentSong, h.state.Current)
	h.broadcast(EventSongHistory, h.state.SongHistory)
}

func (h *Hub) onUpdateHeaderColor(_ *client, data json.RawMessage) {
	color := strings.TrimSpace(decodeString(data))
	if !validColor(color) {
		return
	}
	h.state.HeaderColor = color
	h.broadcast(EventHeaderColor, color)
}

func (h *Hub) onUpdateTitle(_ *client, data json.RawMessage) {
	title := sanitizeName(decodeString(data), maxTitleLen)
	if title == "" {
		return
	}
	h.state.Title = title
	h.broadcast(EventTitle, title)
}

func (h *Hub) onGetSongHistory(c *client, _ json.RawMessage) {
	h.sendTo(c.id, EventSongHistory, h.state.SongHistory)
}

func (h *Hub) onGetChatHistory(c *client, _ json.RawMessage) {
	h.sendTo(c.id, EventChatHistory, h.state.ChatHistory)
}

func (h *Hub) onUpdateBackupPath(c *client, data json.RawMessage) {
	path := strings.TrimSpace(decodeString(data))
	if path == "" {
		return
	}
	h.state.BackupPath = path
	log.Info().Str("path", path).Msg("[musicreq] backup path updated")
	h.sendTo(c.id, EventBackupPathUpdated, Status{Success: true, Path: path})
}

const snapshotBusyMessage = "Backup already in progress."

func (h *Hub) onBackupSystem(c *client, _ json.RawMessage) {
	if h.cfg.Snapshots == nil {
		h.sendTo(c.id, EventBackupCompleted, Status{Success: false, Message: "backups are not configured"})
		return
	}
	if h.snapshotting {
		h.sendTo(c.id, EventBackupCompleted, Status{Success: false, Message: snapshotBusyMessage})
		return
	}
	snap := h.state.Snapshot(h.now())
	dir := h.state.BackupPath
	connID := c.id
	h.snapshotting = true
	started := h.async(func(ctx context.Context) func() {
		res, err := h.cfg.Snapshots.Backup(ctx, dir, snap)
		status := res.Status(err)
		return func() {
			h.snapshotting = false
			h.sendTo(connID, EventBackupCompleted, status)
		}
	})
	if !started {
		h.snapshotting = false
		h.sendTo(connID, EventBackupCompleted, Status{Success: false, Message: "server is shutting down"})
	}
}

func (h *Hub) onRestoreSystem(c *client, _ json.RawMessage) {
	if h.cfg.Snapshots == nil {
		h.sendTo(c.id, EventRestoreCompleted, Status{Success: false, Message: "backups are not configured"})
		return
	}
	if h.snapshotting {
		h.sendTo(c.id, EventRestoreCompleted, Status{Success: false, Message: snapshotBusyMessage})
		return
	}
	dir := h.state.BackupPath
	connID := c.id
	h.snapshotting = true
	started := h.async(func(context.Context) func() {
		snap, err := h.cfg.Snapshots.Load(dir)
		return func() {
			h.snapshotting = false
			if err != nil {
				snapshotOps.WithLabelValues("restore", "error").Inc()
				log.Error().Err(err).Str("dir", dir).Msg("[musicreq] restore failed")
				h.sendTo(connID, EventRestoreCompleted, Status{Success: false, Message: restoreFailureMessage(err)})
				return
			}
			h.applySnapshot(snap)
			snapshotOps.WithLabelValues("restore", "ok").Inc()
			h.sendTo(connID, EventRestoreCompleted, Status{Success: true, Message: "System restored successfully."})
		}
	})
	if !started {
		h.snapshotting = false
		h.sendTo(connID, EventRestoreCompleted, Status{Success: false, Message: "server is shutting down"})
	}
}

// applySnapshot replaces state from snap and pushes every replaced field.
func (h *Hub) applySnapshot(snap Snapshot) {
	h.state.Restore(snap)
	log.Info().Str("backupDate", snap.BackupDate).Msg("[musicreq] state restored")
	h.broadcastQueue()
	h.broadcast(EventSongHistory, h.state.SongHistory)
	h.broadcast(EventChatHistory, h.state.ChatHistory)
	h.broadcast(EventHeaderColor, h.state.HeaderColor)
	h.broadcast(EventTitle, h.state.Title)
	h.broadcast(EventSettings, settingsPayload{YoutubeAPIKey: h.state.APIKey})
}

func (h *Hub) onRestartSystem(c *client, _ json.RawMessage) {
	if h.cfg.OnRestart == nil {
		h.sendTo(c.id, EventRestartInitiated, Status{Success: false, Message: "restart is not available"})
		return
	}
	h.sendTo(c.id, EventRestartInitiated, Status{Success: true, Message: "System is restarting, please wait..."})
	h.restart.Do(func() {
		log.Warn().Dur("delay", h.cfg.RestartDelay).Msg("[musicreq] restart requested")
		time.AfterFunc(h.cfg.RestartDelay, h.cfg.OnRestart)
	})
}
