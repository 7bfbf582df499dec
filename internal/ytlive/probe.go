// Package ytlive checks, from the public watch page, whether a
// destination broadcast can actually be played.
package ytlive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"
)

const DefaultWatchBase = "https://www.youtube.com"

// PlayerState is what the watch page says about a video.
type PlayerState struct {
	VideoID string
	// Status is playabilityStatus.status, e.g. "OK" or
	// "LIVE_STREAM_OFFLINE".
	Status   string
	Live     bool
	Manifest bool
}

// Playable reports whether viewers could watch the stream right now.
func (s PlayerState) Playable() bool {
	return strings.EqualFold(s.Status, "OK") && s.Live && s.Manifest
}

// Consumable reports whether the watch page resolves to the video and
// viewers can reach it. A scheduled broadcast that has not received data
// yet reports LIVE_STREAM_OFFLINE and counts as consumable.
func (s PlayerState) Consumable() bool {
	if s.VideoID == "" {
		return false
	}
	switch strings.ToUpper(s.Status) {
	case "OK", "LIVE_STREAM_OFFLINE":
		return true
	}
	return false
}

// Prober fetches watch pages.
type Prober struct {
	Base string
	http *http.Client
}

// NewProber creates a prober backed by client. If client is nil a
// default client with a sane timeout is used.
func NewProber(client *http.Client) *Prober {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Prober{Base: DefaultWatchBase, http: client}
}

// State loads the watch page for videoID and extracts the player state.
func (p *Prober) State(ctx context.Context, videoID string) (PlayerState, error) {
	videoID = strings.TrimSpace(videoID)
	if videoID == "" {
		return PlayerState{}, errors.New("ytlive: empty video id")
	}
	base := strings.TrimRight(p.Base, "/")
	if base == "" {
		base = DefaultWatchBase
	}
	u := base + "/watch?" + url.Values{"v": {videoID}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return PlayerState{}, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; relay-healthcheck/1.0)")
	req.Header.Set("Accept-Language", "en")

	resp, err := p.http.Do(req)
	if err != nil {
		return PlayerState{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return PlayerState{}, fmt.Errorf("ytlive: watch page status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return PlayerState{}, err
	}

	raw, ok := extractJSONAssignment(string(body), "ytInitialPlayerResponse")
	if !ok {
		return PlayerState{}, errors.New("ytlive: player response not found")
	}
	return parsePlayerResponse(raw)
}

type playerResponsePayload struct {
	PlayabilityStatus struct {
		Status string `json:"status"`
	} `json:"playabilityStatus"`
	StreamingData *struct {
		Formats         []json.RawMessage `json:"formats"`
		AdaptiveFormats []json.RawMessage `json:"adaptiveFormats"`
		HLSManifestURL  string            `json:"hlsManifestUrl"`
		DashManifestURL string            `json:"dashManifestUrl"`
	} `json:"streamingData"`
	VideoDetails struct {
		VideoID       string `json:"videoId"`
		IsLive        bool   `json:"isLive"`
		IsLiveContent bool   `json:"isLiveContent"`
	} `json:"videoDetails"`
}

func parsePlayerResponse(raw string) (PlayerState, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &root); err != nil {
		return PlayerState{}, fmt.Errorf("ytlive: decode player response: %w", err)
	}
	var payload playerResponsePayload
	src := []byte(raw)
	if nested, ok := root["playerResponse"]; ok {
		src = nested
	}
	if err := json.Unmarshal(src, &payload); err != nil {
		return PlayerState{}, fmt.Errorf("ytlive: decode player response: %w", err)
	}

	st := PlayerState{
		VideoID: strings.TrimSpace(payload.VideoDetails.VideoID),
		Status:  payload.PlayabilityStatus.Status,
		Live:    payload.VideoDetails.IsLive || payload.VideoDetails.IsLiveContent,
	}
	if sd := payload.StreamingData; sd != nil {
		st.Manifest = sd.HLSManifestURL != "" || sd.DashManifestURL != "" || len(sd.Formats) > 0 || len(sd.AdaptiveFormats) > 0
	}
	return st, nil
}

func extractJSONAssignment(body, marker string) (string, bool) {
	search := 0
	for {
		idx := strings.Index(body[search:], marker)
		if idx == -1 {
			return "", false
		}
		idx += search
		pos := idx + len(marker)
		for pos < len(body) {
			ch := body[pos]
			if ch == '=' {
				pos++
				break
			}
			if unicode.IsSpace(rune(ch)) || ch == ']' || ch == '"' || ch == '\'' || ch == '.' || ch == ')' {
				pos++
				continue
			}
			pos = -1
			break
		}
		if pos == -1 || pos >= len(body) {
			search = idx + len(marker)
			continue
		}
		for pos < len(body) && unicode.IsSpace(rune(body[pos])) {
			pos++
		}
		if pos >= len(body) {
			return "", false
		}
		if body[pos] != '{' {
			search = idx + len(marker)
			continue
		}
		if obj, ok := sliceBalancedJSON(body[pos:]); ok {
			return obj, true
		}
		search = idx + len(marker)
	}
}

// sliceBalancedJSON returns the leading JSON object or array of s.
func sliceBalancedJSON(s string) (string, bool) {
	stack := make([]rune, 0, 8)
	inString, escape := false, false
	for i, r := range s {
		if inString {
			switch {
			case escape:
				escape = false
			case r == '\\':
				escape = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, r)
		case '}', ']':
			if len(stack) == 0 {
				return "", false
			}
			open := stack[len(stack)-1]
			if (open == '{' && r != '}') || (open == '[' && r != ']') {
				return "", false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}
