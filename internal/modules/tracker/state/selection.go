package state

// Selection is an immutable ordered set of device ids. Order is insertion
// order and fixes the render order on the map.
type Selection struct {
	ids []string
}

// NewSelection returns a selection of ids in the given order, dropping repeats.
func NewSelection(ids ...string) Selection {
	var sel Selection
	for _, id := range ids {
		if !sel.Contains(id) {
			sel.ids = append(sel.ids, id)
		}
	}
	return sel
}

// Toggle returns a new selection with id appended when absent or removed when
// present. The receiver is never modified. Ids are not validated.
func (s Selection) Toggle(id string) Selection {
	out := make([]string, 0, len(s.ids)+1)
	removed := false
	for _, cur := range s.ids {
		if cur == id {
			removed = true
			continue
		}
		out = append(out, cur)
	}
	if !removed {
		out = append(out, id)
	}
	return Selection{ids: out}
}

func (s Selection) Contains(id string) bool {
	for _, cur := range s.ids {
		if cur == id {
			return true
		}
	}
	return false
}

// IDs returns a copy of the selected ids in order.
func (s Selection) IDs() []string {
	out := make([]string, len(s.ids))
	copy(out, s.ids)
	return out
}

func (s Selection) Len() int {
	return len(s.ids)
}
