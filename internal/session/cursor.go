package session

import "github.com/mind-engage/examprep/internal/apperr"

// buildRanges lays subjects out back to back in the order given, skipping
// subjects without questions.
func buildRanges(subjects []string, counts []int) []SubjectRange {
	out := make([]SubjectRange, 0, len(subjects))
	start := 0
	for i, id := range subjects {
		if counts[i] == 0 {
			continue
		}
		out = append(out, SubjectRange{SubjectID: id, Start: start, Count: counts[i]})
		start += counts[i]
	}
	return out
}

// slotOf converts c to a flat slot index.
func slotOf(ranges []SubjectRange, c Cursor) (int, error) {
	if c.Subject < 0 || c.Subject >= len(ranges) {
		return 0, apperr.Validation("subject index %d out of range [0,%d)", c.Subject, len(ranges))
	}
	r := ranges[c.Subject]
	if c.Index < 0 || c.Index >= r.Count {
		return 0, apperr.Validation("question index %d out of range [0,%d) for subject %s", c.Index, r.Count, r.SubjectID)
	}
	return r.Start + c.Index, nil
}

// cursorAt converts a flat slot index back to a cursor.
func cursorAt(ranges []SubjectRange, slot int) (Cursor, error) {
	for i, r := range ranges {
		if slot >= r.Start && slot < r.Start+r.Count {
			return Cursor{Subject: i, Index: slot - r.Start}, nil
		}
	}
	return Cursor{}, apperr.Validation("slot %d out of range [0,%d)", slot, totalOf(ranges))
}

func totalOf(ranges []SubjectRange) int {
	n := 0
	for _, r := range ranges {
		n += r.Count
	}
	return n
}
