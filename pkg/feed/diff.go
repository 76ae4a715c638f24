package feed

// Change describes how a render differs from the previous one. Indexes in
// Inserted and Updated refer to the new list, Removed to the old one.
type Change struct {
	Inserted []int
	Updated  []int
	Removed  []int
	// Moved is set when surviving rows changed relative order.
	Moved bool
}

func (c Change) Empty() bool {
	return len(c.Inserted) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0 && !c.Moved
}

// AppendedAtEnd reports whether every insertion is a contiguous run at the
// tail of the new list, returning where that run starts.
func (c Change) AppendedAtEnd(newLen int) (start int, ok bool) {
	n := len(c.Inserted)
	if n == 0 || c.Moved {
		return 0, false
	}
	start = newLen - n
	for i, idx := range c.Inserted {
		if idx != start+i {
			return 0, false
		}
	}
	return start, true
}

// Diff compares two renders by Item.Key.
func Diff(prev, next []Item) Change {
	var c Change
	prevIdx := make(map[string]int, len(prev))
	for i, it := range prev {
		prevIdx[it.Key()] = i
	}
	nextKeys := make(map[string]struct{}, len(next))
	last := -1
	for i, it := range next {
		k := it.Key()
		nextKeys[k] = struct{}{}
		j, ok := prevIdx[k]
		if !ok {
			c.Inserted = append(c.Inserted, i)
			continue
		}
		if j < last {
			c.Moved = true
		}
		last = j
		if !sameItem(prev[j], it) {
			c.Updated = append(c.Updated, i)
		}
	}
	for i, it := range prev {
		if _, ok := nextKeys[it.Key()]; !ok {
			c.Removed = append(c.Removed, i)
		}
	}
	return c
}

// ShouldAutoScroll decides whether an insertion of rows at insertStart
// should scroll the view to it. It does when nothing is visible yet
// (lastVisible == -1), or when the insertion lands at the end of a list of
// itemCount rows and the viewer was looking at the previous last row.
func ShouldAutoScroll(insertStart, itemCount, lastVisible int) bool {
	if lastVisible == -1 {
		return true
	}
	return insertStart >= itemCount-1 && lastVisible == insertStart-1
}
