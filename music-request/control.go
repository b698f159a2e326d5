package main

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-music/music-request/youtube"
)

var errLookupDisabled = errors.New("metadata lookup disabled")

// The methods below serve the HTTP control surface. Each one hops onto the
// hub loop, so they are safe to call from any goroutine.

func (h *Hub) APIKey() string {
	var key string
	h.call(func() { key = h.state.APIKey })
	return key
}

// SetAPIKey stores the metadata service key and pushes it to every session.
func (h *Hub) SetAPIKey(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return false
	}
	return h.call(func() {
		h.state.APIKey = key
		log.Info().Msg("[musicreq] youtube api key updated")
		h.broadcast(EventSettings, settingsPayload{YoutubeAPIKey: key})
	})
}

func (h *Hub) BackupPath() string {
	var p string
	h.call(func() { p = h.state.BackupPath })
	return p
}

// ExportQueue snapshots the queue as a Dump.
func (h *Hub) ExportQueue() Dump {
	var d Dump
	h.call(func() { d = BuildDump(h.state.Queue) })
	return d
}

// ImportQueue submits every dump entry as a song request, as if each
// requester had sent it. It returns how many entries were accepted.
func (h *Hub) ImportQueue(d Dump) int {
	added := 0
	h.call(func() {
		for _, who := range d.Requesters() {
			name := sanitizeName(who, maxNameLen)
			if name == "" {
				name = "anon"
			}
			for _, song := range d[who] {
				if h.submitRequest(name, song) {
					added++
				}
			}
		}
	})
	return added
}

// LookupVideo resolves one video with the current key.
func (h *Hub) LookupVideo(ctx context.Context, videoID string) (youtube.Video, error) {
	key := h.APIKey()
	if key == "" {
		return youtube.Video{}, youtube.ErrNoAPIKey
	}
	if h.cfg.Lookup == nil {
		return youtube.Video{}, errLookupDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, h.cfg.MetadataTimeout)
	defer cancel()
	return h.cfg.Lookup.Video(ctx, key, videoID)
}
