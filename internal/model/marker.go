package model

// MarkerUpdate is the display side effect of a persisted analysis: the owning
// highlight's marker gets recolored and its count refreshed. Updates are
// deferred while an exclusive selection session is open.
type MarkerUpdate struct {
	HighlightID int64
	Color       string
	MarkerCount int
}
