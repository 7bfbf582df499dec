package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

// Endpoint is a reusable ingest target.
type Endpoint struct {
	ID      string
	Address string
	Key     string
}

// BroadcastSpec describes a broadcast to create.
type BroadcastSpec struct {
	Title          string
	Description    string
	Visibility     string
	ScheduledStart time.Time
}

// Snippet is the subset of video metadata the relay manages.
type Snippet struct {
	Title       string
	Description string
	Tags        []string
	CategoryID  string
}

// MetadataUpdate lists the fields to change. Empty strings and a nil
// Tags slice leave the current value alone.
type MetadataUpdate struct {
	Title       string
	Description string
	Tags        []string
	CategoryID  string
}

// Broadcast lifecycle states accepted by Transition.
const (
	StateTesting  = "testing"
	StateLive     = "live"
	StateComplete = "complete"
)

type liveStreamResource struct {
	ID      string `json:"id,omitempty"`
	Snippet struct {
		Title string `json:"title"`
	} `json:"snippet"`
	CDN struct {
		FrameRate     string `json:"frameRate,omitempty"`
		IngestionType string `json:"ingestionType,omitempty"`
		Resolution    string `json:"resolution,omitempty"`
		IngestionInfo struct {
			IngestionAddress string `json:"ingestionAddress,omitempty"`
			StreamName       string `json:"streamName,omitempty"`
		} `json:"ingestionInfo"`
	} `json:"cdn"`
	ContentDetails struct {
		IsReusable bool `json:"isReusable"`
	} `json:"contentDetails"`
}

type broadcastResource struct {
	ID      string `json:"id,omitempty"`
	Snippet struct {
		Title              string `json:"title"`
		Description        string `json:"description,omitempty"`
		ScheduledStartTime string `json:"scheduledStartTime,omitempty"`
	} `json:"snippet"`
	Status struct {
		PrivacyStatus           string `json:"privacyStatus,omitempty"`
		SelfDeclaredMadeForKids bool   `json:"selfDeclaredMadeForKids"`
	} `json:"status"`
	ContentDetails struct {
		EnableAutoStart bool `json:"enableAutoStart"`
		EnableAutoStop  bool `json:"enableAutoStop"`
	} `json:"contentDetails"`
}

type videoSnippet struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
	CategoryID  string   `json:"categoryId,omitempty"`
}

// CreateIngestEndpoint creates a reusable RTMP ingest endpoint.
func (c *Client) CreateIngestEndpoint(ctx context.Context, label string) (Endpoint, error) {
	var in liveStreamResource
	in.Snippet.Title = label
	in.CDN.FrameRate = "variable"
	in.CDN.IngestionType = "rtmp"
	in.CDN.Resolution = "variable"
	in.ContentDetails.IsReusable = true

	var out liveStreamResource
	q := url.Values{"part": {"snippet,cdn,contentDetails"}}
	if err := c.call(ctx, "createIngestEndpoint", http.MethodPost, "/liveStreams", q, in, &out); err != nil {
		return Endpoint{}, err
	}
	ep := Endpoint{ID: out.ID, Address: out.CDN.IngestionInfo.IngestionAddress, Key: out.CDN.IngestionInfo.StreamName}
	if ep.ID == "" || ep.Address == "" || ep.Key == "" {
		return Endpoint{}, &CallError{Op: "createIngestEndpoint", Attempts: 1, Err: errors.New("response missing id or ingestion info")}
	}
	return ep, nil
}

// CreateBroadcast creates a broadcast and binds it to endpointID. If
// binding fails the broadcast is deleted and an error returned.
func (c *Client) CreateBroadcast(ctx context.Context, endpointID string, spec BroadcastSpec) (string, error) {
	if strings.TrimSpace(spec.Title) == "" {
		return "", ErrEmptyTitle
	}
	var in broadcastResource
	in.Snippet.Title = spec.Title
	in.Snippet.Description = spec.Description
	if !spec.ScheduledStart.IsZero() {
		in.Snippet.ScheduledStartTime = spec.ScheduledStart.UTC().Format(time.RFC3339)
	}
	in.Status.PrivacyStatus = spec.Visibility
	in.ContentDetails.EnableAutoStart = true
	in.ContentDetails.EnableAutoStop = true

	var out broadcastResource
	q := url.Values{"part": {"snippet,status,contentDetails"}}
	if err := c.call(ctx, "createBroadcast", http.MethodPost, "/liveBroadcasts", q, in, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", &CallError{Op: "createBroadcast", Attempts: 1, Err: errors.New("response missing id")}
	}

	bindQ := url.Values{"id": {out.ID}, "part": {"id,contentDetails"}, "streamId": {endpointID}}
	if err := c.call(ctx, "bindBroadcast", http.MethodPost, "/liveBroadcasts/bind", bindQ, nil, nil); err != nil {
		if derr := c.DeleteBroadcast(ctx, out.ID); derr != nil {
			c.logger().Warn("youtube: delete unbound broadcast failed", "broadcast", out.ID, "err", derr)
		}
		return "", err
	}
	return out.ID, nil
}

// DeleteBroadcast removes a broadcast. A missing broadcast is not an
// error.
func (c *Client) DeleteBroadcast(ctx context.Context, broadcastID string) error {
	err := c.call(ctx, "deleteBroadcast", http.MethodDelete, "/liveBroadcasts", url.Values{"id": {broadcastID}}, nil, nil)
	if StatusCode(err) == http.StatusNotFound {
		return nil
	}
	return err
}

// Transition moves a broadcast to state. Transitioning to the state it
// is already in succeeds.
func (c *Client) Transition(ctx context.Context, broadcastID, state string) error {
	q := url.Values{"broadcastStatus": {state}, "id": {broadcastID}, "part": {"status"}}
	err := c.call(ctx, "transition", http.MethodPost, "/liveBroadcasts/transition", q, nil, nil)
	if Reason(err) == "redundantTransition" {
		return nil
	}
	return err
}

// FetchMetadata returns the current snippet of a video or broadcast.
func (c *Client) FetchMetadata(ctx context.Context, videoID string) (Snippet, error) {
	var out struct {
		Items []struct {
			ID      string       `json:"id"`
			Snippet videoSnippet `json:"snippet"`
		} `json:"items"`
	}
	q := url.Values{"part": {"snippet"}, "id": {videoID}}
	if err := c.call(ctx, "fetchMetadata", http.MethodGet, "/videos", q, nil, &out); err != nil {
		return Snippet{}, err
	}
	if len(out.Items) == 0 {
		return Snippet{}, &CallError{Op: "fetchMetadata", Attempts: 1, Err: fmt.Errorf("%w: video %s", ErrNotFound, videoID)}
	}
	s := out.Items[0].Snippet
	return Snippet{Title: s.Title, Description: s.Description, Tags: s.Tags, CategoryID: s.CategoryID}, nil
}

// UpdateMetadata applies upd on top of the current metadata. It returns
// changed=false without calling the update endpoint when nothing would
// change, and ErrEmptyTitle rather than sending an empty title.
func (c *Client) UpdateMetadata(ctx context.Context, videoID string, upd MetadataUpdate) (bool, error) {
	cur, err := c.FetchMetadata(ctx, videoID)
	if err != nil {
		return false, err
	}
	next := cur
	if strings.TrimSpace(upd.Title) != "" {
		next.Title = upd.Title
	}
	if upd.Description != "" {
		next.Description = upd.Description
	}
	if upd.Tags != nil {
		next.Tags = upd.Tags
	}
	if upd.CategoryID != "" {
		next.CategoryID = upd.CategoryID
	}
	if strings.TrimSpace(next.Title) == "" {
		return false, ErrEmptyTitle
	}
	if next.Title == cur.Title && next.Description == cur.Description &&
		slices.Equal(next.Tags, cur.Tags) && next.CategoryID == cur.CategoryID {
		return false, nil
	}

	in := struct {
		ID      string       `json:"id"`
		Snippet videoSnippet `json:"snippet"`
	}{ID: videoID, Snippet: videoSnippet{Title: next.Title, Description: next.Description, Tags: next.Tags, CategoryID: next.CategoryID}}
	if err := c.call(ctx, "updateMetadata", http.MethodPut, "/videos", url.Values{"part": {"snippet"}}, in, nil); err != nil {
		return false, err
	}
	return true, nil
}

// AddToCollection adds a video to a playlist. A video that is already in
// the playlist counts as success.
func (c *Client) AddToCollection(ctx context.Context, videoID, playlistID string) error {
	var in struct {
		Snippet struct {
			PlaylistID string `json:"playlistId"`
			ResourceID struct {
				Kind    string `json:"kind"`
				VideoID string `json:"videoId"`
			} `json:"resourceId"`
		} `json:"snippet"`
	}
	in.Snippet.PlaylistID = playlistID
	in.Snippet.ResourceID.Kind = "youtube#video"
	in.Snippet.ResourceID.VideoID = videoID

	err := c.call(ctx, "addToCollection", http.MethodPost, "/playlistItems", url.Values{"part": {"snippet"}}, in, nil)
	if Reason(err) == "videoAlreadyInPlaylist" || StatusCode(err) == http.StatusConflict {
		return nil
	}
	return err
}

// SetVisibility changes a video's privacy status.
func (c *Client) SetVisibility(ctx context.Context, videoID, visibility string) error {
	var in struct {
		ID     string `json:"id"`
		Status struct {
			PrivacyStatus string `json:"privacyStatus"`
		} `json:"status"`
	}
	in.ID = videoID
	in.Status.PrivacyStatus = visibility
	return c.call(ctx, "setVisibility", http.MethodPut, "/videos", url.Values{"part": {"status"}}, in, nil)
}

// CheckCredentials obtains a token and makes a cheap authenticated call.
func (c *Client) CheckCredentials(ctx context.Context) error {
	var out struct {
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
	}
	return c.call(ctx, "checkCredentials", http.MethodGet, "/channels", url.Values{"part": {"id"}, "mine": {"true"}}, nil, &out)
}
