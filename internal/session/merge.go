package session

import (
	"time"

	"grillmonitor/internal/history"
)

// Merge combines two snapshots of the same cook into one. The snapshot with
// the later LastSaved is the base (a wins ties) and supplies id, start time
// and the active flag. Per channel, a concrete meat or a non-zero target from
// the base beats the other side, which in turn beats nothing. Histories are
// unioned and trimmed to retention. The result is stamped at now.
//
// Merge never modifies its inputs. A nil side yields a copy of the other.
func Merge(a, b *Session, now time.Time, retention history.Retention) *Session {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		out := b.Clone()
		out.LastSaved = now
		return out
	case b == nil:
		out := a.Clone()
		out.LastSaved = now
		return out
	}

	base, other := a, b
	if b.LastSaved.After(a.LastSaved) {
		base, other = b, a
	}

	out := NewSession(base.ID, now)
	out.IsActive = base.IsActive
	if base.StartTime != nil {
		st := *base.StartTime
		out.StartTime = &st
	}

	for _, ch := range channelUnion(base.SelectedMeats, other.SelectedMeats) {
		switch {
		case base.SelectedMeats[ch].Concrete():
			out.SelectedMeats[ch] = base.SelectedMeats[ch]
		case other.SelectedMeats[ch].Concrete():
			out.SelectedMeats[ch] = other.SelectedMeats[ch]
		default:
			out.SelectedMeats[ch] = MeatNone
		}
	}

	for _, ch := range channelUnion(base.SensorTargets, other.SensorTargets) {
		switch {
		case base.SensorTargets[ch] != 0:
			out.SensorTargets[ch] = base.SensorTargets[ch]
		case other.SensorTargets[ch] != 0:
			out.SensorTargets[ch] = other.SensorTargets[ch]
		default:
			out.SensorTargets[ch] = 0
		}
	}

	for _, ch := range channelUnion(base.TemperatureHistory, other.TemperatureHistory) {
		merged := history.Merge(base.TemperatureHistory[ch], other.TemperatureHistory[ch])
		out.TemperatureHistory[ch] = history.Trim(merged, retention)
	}

	return out
}
