package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-music/music-request/youtube"
)

const (
	maxBodySize = 1 << 20

	// The browser offers wsProtocol together with "auth.<base64url password>"
	// so the password stays out of the URL and out of access logs.
	wsProtocol   = "musicreq"
	wsAuthPrefix = "auth."
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	Subprotocols:    []string{wsProtocol},
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func failure(w http.ResponseWriter, status int, msg string) {
	writeJSONStatus(w, status, map[string]any{"success": false, "error": msg})
}

// socketPassword extracts the password offered as a websocket subprotocol.
func socketPassword(r *http.Request) string {
	for _, p := range websocket.Subprotocols(r) {
		enc, ok := strings.CutPrefix(p, wsAuthPrefix)
		if !ok {
			continue
		}
		if b, err := base64.RawURLEncoding.DecodeString(enc); err == nil {
			return string(b)
		}
	}
	return ""
}

// NewHandler sets up the page, the websocket endpoint and the REST control
// surface. playlists may be nil when playlist loading is not wanted.
func NewHandler(name string, hub *Hub, playlists *youtube.Client, creds Credentials) http.Handler {
	r := chi.NewRouter()

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		data := struct {
			Name  string
			Title string
		}{Name: name, Title: defaultTitle}
		hub.call(func() { data.Title = hub.state.Title })
		_ = indexPage.Execute(w, data)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !hub.Accepting() {
			http.Error(w, "draining", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		if !hub.Accepting() {
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		}
		role, ok := creds.Role(socketPassword(r))
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := newClient(hub, conn, role == roleAdmin)
		if !hub.attach(c) {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server is shutting down"))
			_ = conn.Close()
			return
		}
		log.Debug().Str("conn", c.id).Str("role", role).Msg("[musicreq] websocket connected")
		go c.writePump()
		c.readPump()
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/login", func(w http.ResponseWriter, r *http.Request) {
			var body struct {
				Password string `json:"password"`
			}
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&body); err != nil {
				failure(w, http.StatusBadRequest, "invalid JSON")
				return
			}
			role, ok := creds.Role(body.Password)
			if !ok {
				writeJSONStatus(w, http.StatusUnauthorized, map[string]any{"success": false})
				return
			}
			writeJSON(w, map[string]any{"success": true, "role": role})
		})

		r.Route("/settings", func(r chi.Router) {
			r.Use(creds.requireAdmin)

			r.Get("/youtube-api-key", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, settingsPayload{YoutubeAPIKey: hub.APIKey()})
			})
			r.Post("/youtube-api-key", func(w http.ResponseWriter, r *http.Request) {
				var body struct {
					APIKey string `json:"apiKey"`
				}
				if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&body); err != nil {
					failure(w, http.StatusBadRequest, "invalid JSON")
					return
				}
				if !hub.SetAPIKey(body.APIKey) {
					failure(w, http.StatusBadRequest, "API key must not be empty")
					return
				}
				writeJSON(w, map[string]any{"success": true})
			})
			r.Get("/backup-path", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, map[string]string{"backupPath": hub.BackupPath()})
			})
		})

		r.Route("/youtube", func(r chi.Router) {
			r.Get("/video-info/{videoId}", func(w http.ResponseWriter, r *http.Request) {
				v, err := hub.LookupVideo(r.Context(), chi.URLParam(r, "videoId"))
				switch {
				case errors.Is(err, youtube.ErrNoAPIKey):
					failure(w, http.StatusBadRequest, "YouTube API key not configured")
				case errors.Is(err, youtube.ErrNotFound):
					failure(w, http.StatusNotFound, "Video not found")
				case errors.Is(err, errLookupDisabled):
					failure(w, http.StatusServiceUnavailable, "metadata lookup disabled")
				case err != nil:
					log.Error().Err(err).Msg("[musicreq] video info")
					failure(w, http.StatusInternalServerError, "Internal Server Error")
				default:
					writeJSON(w, map[string]string{"title": v.Title, "duration": v.Duration})
				}
			})

			r.Get("/playlist/{playlistId}", func(w http.ResponseWriter, r *http.Request) {
				if playlists == nil {
					failure(w, http.StatusServiceUnavailable, "playlist loading disabled")
					return
				}
				key := hub.APIKey()
				if key == "" {
					failure(w, http.StatusBadRequest, "YouTube API key not configured")
					return
				}
				pl, err := playlists.Playlist(r.Context(), key, chi.URLParam(r, "playlistId"), youtube.PlaylistLimit)
				if err != nil {
					log.Error().Err(err).Msg("[musicreq] load playlist")
					failure(w, http.StatusInternalServerError, "Internal Server Error")
					return
				}
				videos := pl.Videos
				if videos == nil {
					videos = []youtube.PlaylistVideo{}
				}
				writeJSON(w, map[string]any{
					"success": true,
					"videos":  videos,
					"count":   len(videos),
					"partial": pl.Partial,
					"message": pl.Message(),
				})
			})

			r.Post("/utils/extract-playlist-id", func(w http.ResponseWriter, r *http.Request) {
				var body struct {
					URL string `json:"url"`
				}
				if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&body); err != nil || strings.TrimSpace(body.URL) == "" {
					failure(w, http.StatusBadRequest, "url is required")
					return
				}
				id := youtube.ExtractPlaylistID(body.URL)
				if id == "" {
					writeJSON(w, map[string]any{"success": false, "error": "Playlist ID not found"})
					return
				}
				writeJSON(w, map[string]any{"success": true, "playlistId": id})
			})
		})

		r.Route("/queue", func(r chi.Router) {
			r.Get("/export", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, hub.ExportQueue())
			})
			r.With(creds.requireAdmin).Post("/import", func(w http.ResponseWriter, r *http.Request) {
				d, err := ParseDump(http.MaxBytesReader(w, r.Body, maxBodySize))
				if err != nil {
					http.Error(w, "invalid JSON", http.StatusBadRequest)
					return
				}
				writeJSON(w, map[string]int{"added": hub.ImportQueue(d)})
			})
		})
	})

	return r
}
