package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"grillmonitor/internal/history"
)

// ChannelID identifies a physical temperature probe.
type ChannelID int

// FirstMeatChannel is the lowest meat-probe channel; lower ids are ambient/grill probes.
const FirstMeatChannel ChannelID = 2

const (
	defaultGrillTarget = 180.0
	defaultMeatTarget  = 70.0
)

// IsMeatChannel reports whether ch is a meat probe.
func IsMeatChannel(ch ChannelID) bool {
	return ch >= FirstMeatChannel
}

// DefaultTarget is the target temperature (°C) a channel starts with.
func DefaultTarget(ch ChannelID) float64 {
	if IsMeatChannel(ch) {
		return defaultMeatTarget
	}
	return defaultGrillTarget
}

// MeatType is the cut selected for a meat probe.
type MeatType string

const (
	MeatNone           MeatType = "none"
	MeatBeefBrisket    MeatType = "beef_brisket"
	MeatBeefRibs       MeatType = "beef_ribs"
	MeatBeefTenderloin MeatType = "beef_tenderloin"
	MeatPorkShoulder   MeatType = "pork_shoulder"
	MeatPorkRibs       MeatType = "pork_ribs"
	MeatPorkTenderloin MeatType = "pork_tenderloin"
	MeatChickenBreast  MeatType = "chicken_breast"
	MeatChickenThigh   MeatType = "chicken_thigh"
	MeatLambChops      MeatType = "lamb_chops"
)

// Concrete reports whether m is an actual selection. The empty string is
// what a JSON null decodes to and counts as none.
func (m MeatType) Concrete() bool {
	return m != "" && m != MeatNone
}

// MeatInfo describes a meat cut for display and default targets.
type MeatInfo struct {
	Label           string  `json:"label"`
	RecommendedTemp float64 `json:"recommendedTemp"`
}

var meats = map[MeatType]MeatInfo{
	MeatBeefBrisket:    {Label: "Beef Brisket", RecommendedTemp: 93},
	MeatBeefRibs:       {Label: "Beef Ribs", RecommendedTemp: 93},
	MeatBeefTenderloin: {Label: "Beef Tenderloin", RecommendedTemp: 54},
	MeatPorkShoulder:   {Label: "Pork Shoulder", RecommendedTemp: 93},
	MeatPorkRibs:       {Label: "Pork Ribs", RecommendedTemp: 90},
	MeatPorkTenderloin: {Label: "Pork Tenderloin", RecommendedTemp: 63},
	MeatChickenBreast:  {Label: "Chicken Breast", RecommendedTemp: 74},
	MeatChickenThigh:   {Label: "Chicken Thigh", RecommendedTemp: 80},
	MeatLambChops:      {Label: "Lamb Chops", RecommendedTemp: 63},
}

// Info returns the description of m. Unknown cuts get their raw name as label.
func (m MeatType) Info() (MeatInfo, bool) {
	info, ok := meats[m]
	if !ok {
		return MeatInfo{Label: string(m)}, false
	}
	return info, true
}

// Provenance tells observers where a session change came from.
type Provenance string

const (
	ProvenanceLocal  Provenance = "local"
	ProvenanceRemote Provenance = "remote"
)

// Session is one cook: its configuration and temperature history.
type Session struct {
	ID                 string                          `json:"id"`
	StartTime          *time.Time                      `json:"startTime"`
	IsActive           bool                            `json:"isActive"`
	SelectedMeats      map[ChannelID]MeatType          `json:"selectedMeats"`
	SensorTargets      map[ChannelID]float64           `json:"sensorTargets"`
	TemperatureHistory map[ChannelID][]history.Reading `json:"temperatureHistory"`
	LastSaved          time.Time                       `json:"lastSaved"`
}

// NewSession returns an inactive, empty session stamped at now.
func NewSession(id string, now time.Time) *Session {
	return &Session{
		ID:                 id,
		SelectedMeats:      make(map[ChannelID]MeatType),
		SensorTargets:      make(map[ChannelID]float64),
		TemperatureHistory: make(map[ChannelID][]history.Reading),
		LastSaved:          now,
	}
}

// Expired reports whether s was last saved more than maxAge before now.
// A non-positive maxAge never expires.
func (s *Session) Expired(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}
	return now.Sub(s.LastSaved) > maxAge
}

// Clone returns a deep copy. Clone of nil is nil.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := &Session{
		ID:                 s.ID,
		IsActive:           s.IsActive,
		LastSaved:          s.LastSaved,
		SelectedMeats:      make(map[ChannelID]MeatType, len(s.SelectedMeats)),
		SensorTargets:      make(map[ChannelID]float64, len(s.SensorTargets)),
		TemperatureHistory: make(map[ChannelID][]history.Reading, len(s.TemperatureHistory)),
	}
	if s.StartTime != nil {
		st := *s.StartTime
		out.StartTime = &st
	}
	for ch, m := range s.SelectedMeats {
		out.SelectedMeats[ch] = m
	}
	for ch, v := range s.SensorTargets {
		out.SensorTargets[ch] = v
	}
	for ch, h := range s.TemperatureHistory {
		out.TemperatureHistory[ch] = history.Clone(h)
	}
	return out
}

// normalize fills nil maps so callers can write without checks and drops
// targets and readings that JSON cannot encode.
func (s *Session) normalize() {
	if s.SelectedMeats == nil {
		s.SelectedMeats = make(map[ChannelID]MeatType)
	}
	if s.SensorTargets == nil {
		s.SensorTargets = make(map[ChannelID]float64)
	}
	if s.TemperatureHistory == nil {
		s.TemperatureHistory = make(map[ChannelID][]history.Reading)
	}
	s.dropNonFinite()
}

func (s *Session) dropNonFinite() {
	for ch, v := range s.SensorTargets {
		if !finite(v) {
			delete(s.SensorTargets, ch)
		}
	}
	for ch, h := range s.TemperatureHistory {
		var kept []history.Reading
		for _, r := range h {
			if finite(r.Temperature) {
				kept = append(kept, r)
			}
		}
		if len(kept) != len(h) {
			s.TemperatureHistory[ch] = kept
		}
	}
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// Equivalent reports whether a and b describe the same cook, ignoring
// LastSaved. Missing map entries equal their zero meaning: no meat, no
// target, no history.
func Equivalent(a, b *Session) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.ID != b.ID || a.IsActive != b.IsActive {
		return false
	}
	if (a.StartTime == nil) != (b.StartTime == nil) {
		return false
	}
	if a.StartTime != nil && !a.StartTime.Equal(*b.StartTime) {
		return false
	}
	for _, ch := range channelUnion(a.SelectedMeats, b.SelectedMeats) {
		ma, mb := a.SelectedMeats[ch], b.SelectedMeats[ch]
		if ma.Concrete() != mb.Concrete() || (ma.Concrete() && ma != mb) {
			return false
		}
	}
	for _, ch := range channelUnion(a.SensorTargets, b.SensorTargets) {
		if a.SensorTargets[ch] != b.SensorTargets[ch] {
			return false
		}
	}
	for _, ch := range channelUnion(a.TemperatureHistory, b.TemperatureHistory) {
		if !history.Equal(a.TemperatureHistory[ch], b.TemperatureHistory[ch]) {
			return false
		}
	}
	return true
}

// UnmarshalJSON accepts both timestamped history and the legacy format where
// each channel holds a bare array of temperatures. Legacy arrays are given
// timestamps ending at lastSaved.
func (s *Session) UnmarshalJSON(data []byte) error {
	type plain Session
	aux := struct {
		*plain
		TemperatureHistory map[ChannelID]json.RawMessage `json:"temperatureHistory"`
	}{plain: (*plain)(s)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	s.TemperatureHistory = make(map[ChannelID][]history.Reading, len(aux.TemperatureHistory))
	for ch, raw := range aux.TemperatureHistory {
		h, err := decodeChannelHistory(raw, s.LastSaved)
		if err != nil {
			return fmt.Errorf("channel %d history: %w", ch, err)
		}
		s.TemperatureHistory[ch] = h
	}
	s.normalize()
	return nil
}

func decodeChannelHistory(raw json.RawMessage, end time.Time) ([]history.Reading, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return []history.Reading{}, nil
	}
	var readings []history.Reading
	if err := json.Unmarshal(raw, &readings); err == nil {
		return history.Merge(readings, nil), nil
	}
	var legacy []float64
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, err
	}
	return history.MigrateLegacy(legacy, end, history.DefaultInterval), nil
}

func channelUnion[V any](a, b map[ChannelID]V) []ChannelID {
	seen := make(map[ChannelID]struct{}, len(a)+len(b))
	out := make([]ChannelID, 0, len(a)+len(b))
	for ch := range a {
		if _, ok := seen[ch]; !ok {
			seen[ch] = struct{}{}
			out = append(out, ch)
		}
	}
	for ch := range b {
		if _, ok := seen[ch]; !ok {
			seen[ch] = struct{}{}
			out = append(out, ch)
		}
	}
	return out
}
