package pipeline

// Container is the span of the record an event was expanded from. For
// events that were not expanded it equals the event's own span.
type Container struct {
	Begin int64
	End   int64
}

// Event is one unit to ship. ElementIndex is -1 unless the event is a list
// element expanded from a JSON record.
type Event struct {
	Payload      []byte
	Begin        int64
	End          int64
	Container    Container
	ElementIndex int
	LastElement  bool
}

// Expanded reports whether the event is a list element.
func (e Event) Expanded() bool {
	return e.ElementIndex >= 0
}

// Cursor marks the last shipped event of an object.
type Cursor struct {
	LastBeginningOffset int64
	LastEndingOffset    int64
	// ResumeElement is the next list element to emit from the record that
	// begins at LastBeginningOffset. Zero means the record is complete.
	ResumeElement int
}

// Start is the decompressed offset reading resumes from.
func (c Cursor) Start() int64 {
	if c.ResumeElement > 0 {
		return c.LastBeginningOffset
	}
	return c.LastEndingOffset
}

// CursorAfter is the cursor that resumes right after ev.
func CursorAfter(ev Event) Cursor {
	if ev.Expanded() && !ev.LastElement {
		return Cursor{
			LastBeginningOffset: ev.Container.Begin,
			LastEndingOffset:    ev.End,
			ResumeElement:       ev.ElementIndex + 1,
		}
	}
	return Cursor{
		LastBeginningOffset: ev.Container.Begin,
		LastEndingOffset:    ev.Container.End,
	}
}
