package record

import (
	"fmt"

	"github.com/flowroll/flowroll/internal/graph"
)

// Content fields carry "input" rules. They are checked by ValidateInput when
// a record is created or edited on this device, never when a synced copy is
// saved, so rows written by other clients always load.

// Technique is a single move in the user's library.
type Technique struct {
	Meta
	Name        string   `json:"name" input:"required,max=200"`
	Category    string   `json:"category,omitempty" input:"omitempty,oneof=submission sweep pass escape takedown guard position control other"`
	Position    string   `json:"position,omitempty" input:"max=100"`
	Description string   `json:"description,omitempty" input:"max=10000"`
	Tags        []string `json:"tags,omitempty" input:"dive,required,max=50"`
	VideoURL    string   `json:"video_url,omitempty" input:"omitempty,url"`
	Steps       []string `json:"steps,omitempty"`
}

// Flow is a named technique-flow diagram.
type Flow struct {
	Meta
	Name        string      `json:"name" input:"required,max=200"`
	Description string      `json:"description,omitempty" input:"max=10000"`
	Tags        []string    `json:"tags,omitempty" input:"dive,required,max=50"`
	Graph       graph.Graph `json:"graph"`
}

// Check validates the embedded graph.
func (f *Flow) Check() error {
	if err := f.Graph.Validate(); err != nil {
		return fmt.Errorf("invalid graph: %w", err)
	}
	return nil
}

// Round is one sparring round within a training session.
type Round struct {
	Partner     string   `json:"partner,omitempty" input:"max=100"`
	Minutes     int      `json:"minutes,omitempty" input:"gte=0,lte=60"`
	Result      string   `json:"result,omitempty" input:"omitempty,oneof=win loss draw"`
	Submissions []string `json:"submissions,omitempty"`
}

// TrainingLog is one practice session.
type TrainingLog struct {
	Meta
	Date            string   `json:"date" input:"required,datetime=2006-01-02"`
	DurationMinutes int      `json:"duration_minutes" input:"gte=0,lte=1440"`
	SessionType     string   `json:"session_type,omitempty" input:"omitempty,oneof=gi nogi open_mat drilling competition private"`
	Notes           string   `json:"notes,omitempty" input:"max=20000"`
	TechniqueIDs    []string `json:"technique_ids,omitempty"`
	Rounds          []Round  `json:"rounds,omitempty" input:"dive"`
	Energy          int      `json:"energy,omitempty" input:"gte=0,lte=5"`
}

// Profile holds the per-owner profile. There is at most one per owner and its
// id is the owner id.
type Profile struct {
	Meta
	DisplayName   string `json:"display_name,omitempty" input:"max=100"`
	Belt          string `json:"belt,omitempty" input:"omitempty,oneof=white blue purple brown black"`
	Stripes       int    `json:"stripes" input:"gte=0,lte=4"`
	Academy       string `json:"academy,omitempty" input:"max=200"`
	AvatarURL     string `json:"avatar_url,omitempty" input:"omitempty,url"`
	TrainingSince string `json:"training_since,omitempty" input:"omitempty,datetime=2006-01-02"`
}

// KeyedByOwner implements OwnerKeyed.
func (p *Profile) KeyedByOwner() bool {
	return true
}
