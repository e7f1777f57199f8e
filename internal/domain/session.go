package domain

import "time"

// Location is a WGS84 coordinate pair.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Reference is a source attributed in an assistant turn.
type Reference struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// StoreMatch is a nearby vendor. Lists of StoreMatch are ordered by
// DistanceKM ascending, then Name.
type StoreMatch struct {
	Name         string  `json:"name"`
	Address      string  `json:"address"`
	DistanceKM   float64 `json:"distance_km"`
	ProductMatch string  `json:"product_match,omitempty"`
}

// IntentSignal is the purchase-intent classification of one user message.
type IntentSignal struct {
	HasPurchaseIntent bool
	CandidateProduct  string
}

// Turn is one immutable entry of a session transcript.
type Turn struct {
	Role           string       `json:"role"`
	Text           string       `json:"text"`
	References     []Reference  `json:"references,omitempty"`
	Stores         []StoreMatch `json:"stores,omitempty"`
	PurchaseSignal bool         `json:"purchase_signal,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
}

// Session is a server-side conversation record keyed by ID.
type Session struct {
	ID                string
	Turns             []Turn
	CreatedAt         time.Time
	LastActiveAt      time.Time
	LastKnownLocation *Location
}

// LastAssistantText returns the text of the most recent assistant turn.
func (s Session) LastAssistantText() string {
	for i := len(s.Turns) - 1; i >= 0; i-- {
		if s.Turns[i].Role == RoleAssistant {
			return s.Turns[i].Text
		}
	}
	return ""
}

// Clone returns a deep copy safe to hand out across goroutines.
func (s Session) Clone() Session {
	out := s
	out.Turns = make([]Turn, len(s.Turns))
	for i, t := range s.Turns {
		out.Turns[i] = t.clone()
	}
	if s.LastKnownLocation != nil {
		loc := *s.LastKnownLocation
		out.LastKnownLocation = &loc
	}
	return out
}

func (t Turn) clone() Turn {
	out := t
	if t.References != nil {
		out.References = append([]Reference(nil), t.References...)
	}
	if t.Stores != nil {
		out.Stores = append([]StoreMatch(nil), t.Stores...)
	}
	return out
}
