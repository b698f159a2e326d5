package main

import "encoding/json"

// Envelope is the frame exchanged over the websocket in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// outbound is the server side of Envelope; Data is marshalled as-is.
type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Inbound event names.
const (
	EventSetName           = "set-name"
	EventRequestSong       = "request-song"
	EventChatMessage       = "chat-message"
	EventPlaySong          = "play-song"
	EventStopSong          = "stop-song"
	EventAutoPlayNext      = "auto-play-next"
	EventUpdateCurrentSong = "update-current-song"
	EventUpdateHeaderColor = "update-header-color"
	EventUpdateTitle       = "update-title"
	EventGetSongHistory    = "get-song-history"
	EventGetChatHistory    = "get-chat-history"
	EventUpdateBackupPath  = "update-backup-path"
	EventBackupSystem      = "backup-system"
	EventRestoreSystem     = "restore-system"
	EventRestartSystem     = "restart-system"
)

// Outbound event names.
const (
	EventInitialState      = "initial-state"
	EventActiveUsers       = "update-active-users"
	EventSongQueue         = "update-song-queue"
	EventCurrentSong       = "update-current-song"
	EventSongHistory       = "update-song-history"
	EventChatHistory       = "update-chat-history"
	EventNewChatMessage    = "new-chat-message"
	EventHeaderColor       = "update-header-color"
	EventTitle             = "update-title"
	EventSettings          = "update-settings"
	EventBackupPathUpdated = "backup-path-updated"
	EventBackupCompleted   = "backup-completed"
	EventRestoreCompleted  = "restore-completed"
	EventRestartInitiated  = "restart-initiated"
	EventServerShutdown    = "server-shutdown"
)

type requestSongPayload struct {
	Song string `json:"song"`
}

// InitialState is sent to a session right after it identifies itself.
type InitialState struct {
	SongQueue   []SongRequest `json:"songQueue"`
	CurrentSong *SongRequest  `json:"currentSong"`
	ActiveUsers []User        `json:"activeUsers"`
	SongHistory []SongRequest `json:"songHistory"`
	ChatHistory []ChatMessage `json:"chatHistory"`
	HeaderColor string        `json:"headerColor"`
	Title       string        `json:"title"`
}

// Status is the reply to admin operations (backup, restore, restart, ...).
type Status struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	Path     string `json:"path,omitempty"`
	DataPath string `json:"dataPath,omitempty"`
	CodePath string `json:"codePath,omitempty"`
	Date     string `json:"date,omitempty"`
}

type settingsPayload struct {
	YoutubeAPIKey string `json:"youtubeApiKey"`
}

// adminEvents may only be sent by connections holding the admin role.
var adminEvents = map[string]bool{
	EventPlaySong:          true,
	EventStopSong:          true,
	EventUpdateCurrentSong: true,
	EventUpdateHeaderColor: true,
	EventUpdateTitle:       true,
	EventUpdateBackupPath:  true,
	EventBackupSystem:      true,
	EventRestoreSystem:     true,
	EventRestartSystem:     true,
}

// decodeString accepts a JSON string payload; anything else yields "".
func decodeString(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}
