// Package youtube is a small client for the parts of the YouTube Data API v3
// the music request app needs: video title/duration lookup, search, and
// flattening a playlist.
package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the public Data API endpoint.
	DefaultBaseURL = "https://www.googleapis.com/youtube/v3"

	// PlaylistLimit caps how many entries a single playlist load returns.
	PlaylistLimit = 1000

	pageSize = 50
)

var (
	ErrNoAPIKey = errors.New("youtube: api key not configured")
	ErrNotFound = errors.New("youtube: video not found")
)

// Video is the resolved metadata for one video.
type Video struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Duration string `json:"duration"`
}

// PlaylistVideo is one flattened playlist entry.
type PlaylistVideo struct {
	ID       string `json:"id"`
	VideoID  string `json:"videoId"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	Duration string `json:"duration"`
}

// Playlist is the result of flattening a playlist. Partial is set when a page
// after the first failed and the walk stopped early.
type Playlist struct {
	Videos  []PlaylistVideo
	Partial bool
}

// Truncated reports whether the walk stopped at PlaylistLimit.
func (p Playlist) Truncated() bool {
	return len(p.Videos) >= PlaylistLimit
}

// Message is the human readable load summary shown next to the result.
func (p Playlist) Message() string {
	if p.Truncated() {
		return fmt.Sprintf("Maximum %d video limit reached", PlaylistLimit)
	}
	if p.Partial {
		return fmt.Sprintf("%d videos loaded (playlist partially loaded)", len(p.Videos))
	}
	return fmt.Sprintf("%d videos loaded", len(p.Videos))
}

// Client talks to the Data API. The API key is passed per call because it is
// runtime-mutable application state, not client configuration.
type Client struct {
	http    *http.Client
	baseURL string
}

// NewClient returns a client against baseURL (DefaultBaseURL when empty).
func NewClient(httpClient *http.Client, baseURL string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{http: httpClient, baseURL: strings.TrimRight(baseURL, "/")}
}

type videosResponse struct {
	Items []struct {
		ID      string `json:"id"`
		Snippet struct {
			Title string `json:"title"`
		} `json:"snippet"`
		ContentDetails struct {
			Duration string `json:"duration"`
		} `json:"contentDetails"`
	} `json:"items"`
}

type playlistItemsResponse struct {
	NextPageToken string `json:"nextPageToken"`
	Items         []struct {
		Snippet struct {
			Title      string `json:"title"`
			ResourceID struct {
				VideoID string `json:"videoId"`
			} `json:"resourceId"`
		} `json:"snippet"`
	} `json:"items"`
}

type searchResponse struct {
	Items []struct {
		ID struct {
			VideoID string `json:"videoId"`
		} `json:"id"`
	} `json:"items"`
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("youtube: build %s request: %w", endpoint, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("youtube: %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("youtube: %s: unexpected status %d", endpoint, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("youtube: decode %s: %w", endpoint, err)
	}
	return nil
}

// videos looks up title and duration for up to 50 ids in one call.
func (c *Client) videos(ctx context.Context, key string, ids []string) (map[string]Video, error) {
	var resp videosResponse
	params := url.Values{
		"part": {"snippet,contentDetails"},
		"id":   {strings.Join(ids, ",")},
		"key":  {key},
	}
	if err := c.get(ctx, "videos", params, &resp); err != nil {
		return nil, err
	}
	out := make(map[string]Video, len(resp.Items))
	for _, it := range resp.Items {
		out[it.ID] = Video{ID: it.ID, Title: it.Snippet.Title, Duration: FormatDuration(it.ContentDetails.Duration)}
	}
	return out, nil
}

// Video resolves a single video id.
func (c *Client) Video(ctx context.Context, key, id string) (Video, error) {
	if key == "" {
		return Video{}, ErrNoAPIKey
	}
	found, err := c.videos(ctx, key, []string{id})
	if err != nil {
		return Video{}, err
	}
	v, ok := found[id]
	if !ok {
		return Video{}, ErrNotFound
	}
	return v, nil
}

// Search returns the metadata of the first video matching query.
func (c *Client) Search(ctx context.Context, key, query string) (Video, error) {
	if key == "" {
		return Video{}, ErrNoAPIKey
	}
	var resp searchResponse
	params := url.Values{
		"part":       {"snippet"},
		"type":       {"video"},
		"maxResults": {"1"},
		"q":          {query},
		"key":        {key},
	}
	if err := c.get(ctx, "search", params, &resp); err != nil {
		return Video{}, err
	}
	if len(resp.Items) == 0 || resp.Items[0].ID.VideoID == "" {
		return Video{}, ErrNotFound
	}
	return c.Video(ctx, key, resp.Items[0].ID.VideoID)
}

// Playlist walks every page of a playlist (while a next page token is present)
// and returns at most limit entries. A failing first page is an error; later
// failures return what was collected with Partial set. Entries whose duration
// lookup fails are kept with UnknownDuration.
func (c *Client) Playlist(ctx context.Context, key, playlistID string, limit int) (Playlist, error) {
	if key == "" {
		return Playlist{}, ErrNoAPIKey
	}
	if limit <= 0 || limit > PlaylistLimit {
		limit = PlaylistLimit
	}
	var out Playlist
	pageToken := ""
	for page := 0; ; page++ {
		params := url.Values{
			"part":       {"snippet"},
			"maxResults": {strconv.Itoa(pageSize)},
			"playlistId": {playlistID},
			"key":        {key},
		}
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}
		var resp playlistItemsResponse
		if err := c.get(ctx, "playlistItems", params, &resp); err != nil {
			if page == 0 {
				return Playlist{}, err
			}
			out.Partial = true
			return out, nil
		}

		ids := make([]string, 0, len(resp.Items))
		titles := make(map[string]string, len(resp.Items))
		for _, it := range resp.Items {
			id := it.Snippet.ResourceID.VideoID
			if id == "" {
				continue
			}
			ids = append(ids, id)
			titles[id] = it.Snippet.Title
		}
		var (
			details   map[string]Video
			detailErr error
		)
		if len(ids) > 0 {
			details, detailErr = c.videos(ctx, key, ids)
		}
		stamp := time.Now().UnixMilli()
		for _, id := range ids {
			duration := UnknownDuration
			if detailErr == nil {
				v, ok := details[id]
				if !ok {
					// private or deleted entries have no details
					continue
				}
				duration = v.Duration
			}
			out.Videos = append(out.Videos, PlaylistVideo{
				ID:       strconv.FormatInt(stamp, 10) + "-" + id,
				VideoID:  id,
				URL:      WatchURL(id),
				Title:    titles[id],
				Duration: duration,
			})
			if len(out.Videos) >= limit {
				return out, nil
			}
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			return out, nil
		}
	}
}
