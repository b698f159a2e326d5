package main

import (
	"encoding/json"
	"io"
	"sort"
)

// Dump is the queue export/import format: requester -> songs in queue order.
type Dump map[string][]string

// BuildDump groups the queue by requester, keeping queue order per requester.
func BuildDump(queue []SongRequest) Dump {
	out := make(Dump)
	for _, r := range queue {
		who := r.RequestedBy
		if who == "" {
			who = "anon"
		}
		out[who] = append(out[who], r.Song)
	}
	return out
}

// ParseDump reads a Dump. Entries may be plain strings or objects carrying a
// "song" or "url" field; anything else is skipped.
func ParseDump(r io.Reader) (Dump, error) {
	var raw map[string][]json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, err
	}
	out := make(Dump)
	for who, arr := range raw {
		for _, v := range arr {
			var s string
			if err := json.Unmarshal(v, &s); err == nil {
				if s != "" {
					out[who] = append(out[who], s)
				}
				continue
			}
			var obj struct {
				Song string `json:"song"`
				URL  string `json:"url"`
			}
			if err := json.Unmarshal(v, &obj); err != nil {
				continue
			}
			switch {
			case obj.Song != "":
				out[who] = append(out[who], obj.Song)
			case obj.URL != "":
				out[who] = append(out[who], obj.URL)
			}
		}
	}
	return out, nil
}

// Requesters returns the dump's requesters in a stable order.
func (d Dump) Requesters() []string {
	names := make([]string, 0, len(d))
	for who := range d {
		names = append(names, who)
	}
	sort.Strings(names)
	return names
}
