package models

// Swatch is a single named color in a palette.
type Swatch struct {
	Name string `json:"name"`
	Hex  string `json:"hex"`
}

// AnalysisRecord is the structured color profile returned by the image
// analysis collaborator. The funnel only cares whether one is present.
type AnalysisRecord struct {
	Season    string   `json:"season"`
	Undertone string   `json:"undertone"`
	Contrast  string   `json:"contrast"`
	Palette   []Swatch `json:"palette"`
	Avoid     []Swatch `json:"avoid,omitempty"`
	Summary   string   `json:"summary"`
}

// Clone returns a deep copy of the record.
func (a *AnalysisRecord) Clone() *AnalysisRecord {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Palette = append([]Swatch(nil), a.Palette...)
	cp.Avoid = append([]Swatch(nil), a.Avoid...)
	return &cp
}
