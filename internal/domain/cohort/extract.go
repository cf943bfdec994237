package cohort

import "gopkg.in/guregu/null.v3"

// First returns the earliest date in seq, or null when seq is empty.
func First(seq EventSequence) null.Time {
	if len(seq) == 0 {
		return null.Time{}
	}
	return null.TimeFrom(seq[0])
}

// NextAfter returns the earliest date in seq strictly after anchor. A null
// anchor always yields null, so an unset chain never restarts from the
// first event. Same-day repeats of the anchor are skipped.
func NextAfter(seq EventSequence, anchor null.Time) null.Time {
	if !anchor.Valid {
		return null.Time{}
	}
	for _, d := range seq {
		if d.After(anchor.Time) {
			return null.TimeFrom(d)
		}
	}
	return null.Time{}
}

// ExtractChain derives the category's three event dates: the first event,
// then each following one conditioned on the previous result.
func ExtractChain(seq EventSequence) EventDates {
	var out EventDates
	out[0] = First(seq)
	for i := 1; i < len(out); i++ {
		out[i] = NextAfter(seq, out[i-1])
	}
	return out
}
