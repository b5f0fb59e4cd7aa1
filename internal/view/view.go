// Package view turns a feed snapshot into what a member sees: map markers, a
// roster and a summary line. Rendering never writes.
package view

import (
	"fmt"
	"math"
	"time"

	"whereabouts/internal/feed"
	"whereabouts/internal/util"

	"github.com/google/uuid"
)

const (
	DefaultLatitude  = 40.7128
	DefaultLongitude = -74.0060
	DefaultZoom      = 13

	TileURL         = "https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png"
	TileAttribution = `&copy; <a href="https://www.openstreetmap.org/copyright">OpenStreetMap</a> contributors`

	LabelSelf   = "Your location"
	LabelMember = "Group member"
)

type Marker struct {
	MemberID  uuid.UUID `json:"member_id"`
	Name      string    `json:"name"`
	Label     string    `json:"label"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`

	// AccuracyMeters is rounded to whole metres.
	AccuracyMeters util.Optional[int] `json:"accuracy_m"`
	UpdatedAt      time.Time          `json:"updated_at"`
	Online         bool               `json:"online"`
	Self           bool               `json:"self"`
}

type RosterEntry struct {
	MemberID    uuid.UUID                `json:"member_id"`
	Name        string                   `json:"name"`
	Online      bool                     `json:"online"`
	HasLocation bool                     `json:"has_location"`
	LastUpdate  util.Optional[time.Time] `json:"last_update"`
	Self        bool                     `json:"self"`
}

type Summary struct {
	Members int    `json:"members"`
	Online  int    `json:"online"`
	Located int    `json:"located"`
	Text    string `json:"text"`
}

type Map struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Zoom        int     `json:"zoom"`
	TileURL     string  `json:"tile_url"`
	Attribution string  `json:"attribution"`
}

type Page struct {
	GroupCode string        `json:"group_code"`
	Map       Map           `json:"map"`
	Markers   []Marker      `json:"markers"`
	Roster    []RosterEntry `json:"roster"`
	Summary   Summary       `json:"summary"`
	LoadedAt  time.Time     `json:"loaded_at"`
}

// Render lays out snapshot for the member self. Markers and roster keep the
// snapshot's join order.
func Render(snapshot feed.Snapshot, self uuid.UUID) Page {
	page := Page{
		GroupCode: snapshot.GroupCode,
		Markers:   []Marker{},
		Roster:    make([]RosterEntry, 0, len(snapshot.Entries)),
		LoadedAt:  snapshot.LoadedAt,
	}

	for _, e := range snapshot.Entries {
		isSelf := e.MemberID == self
		name := e.Name
		if isSelf {
			name += " (You)"
		}

		entry := RosterEntry{
			MemberID:    e.MemberID,
			Name:        name,
			Online:      e.Online,
			HasLocation: e.Location.IsSet,
			Self:        isSelf,
		}
		if e.Online {
			page.Summary.Online++
		}

		if e.Location.IsSet {
			sample := e.Location.Val
			entry.LastUpdate = util.Some(sample.CapturedAt)

			marker := Marker{
				MemberID:  e.MemberID,
				Name:      e.Name,
				Label:     LabelMember,
				Latitude:  sample.Latitude,
				Longitude: sample.Longitude,
				UpdatedAt: sample.CapturedAt,
				Online:    e.Online,
				Self:      isSelf,
			}
			if isSelf {
				marker.Label = LabelSelf
			}
			if sample.Accuracy.IsSet {
				marker.AccuracyMeters = util.Some(int(math.Round(sample.Accuracy.Val)))
			}
			page.Markers = append(page.Markers, marker)
		}
		page.Roster = append(page.Roster, entry)
	}

	page.Summary.Members = len(snapshot.Entries)
	page.Summary.Located = len(page.Markers)
	page.Summary.Text = fmt.Sprintf("%d of %d members online", page.Summary.Online, page.Summary.Members)
	page.Map = centre(page.Markers)
	return page
}

// centre prefers the viewer's own marker, then the first visible one.
func centre(markers []Marker) Map {
	m := Map{
		Latitude:    DefaultLatitude,
		Longitude:   DefaultLongitude,
		Zoom:        DefaultZoom,
		TileURL:     TileURL,
		Attribution: TileAttribution,
	}
	for _, marker := range markers {
		if marker.Self {
			m.Latitude, m.Longitude = marker.Latitude, marker.Longitude
			return m
		}
	}
	if len(markers) > 0 {
		m.Latitude, m.Longitude = markers[0].Latitude, markers[0].Longitude
	}
	return m
}
