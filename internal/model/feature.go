package model

// FeatureEnvelope is the structured signal bundle produced by the vision
// collaborator. It is read-only input shared by both scoring branches.
type FeatureEnvelope struct {
	CardID string `json:"card_id"`

	// OCR output.
	Title    string   `json:"title"`
	SetName  string   `json:"set_name"`
	Number   string   `json:"number"`
	OCRLines []string `json:"ocr_lines,omitempty"`

	// Perceptual-hash comparison against the reference print, 0..1.
	HashMatch float64 `json:"hash_match"`

	// Holographic-pattern detection.
	HoloDetected bool    `json:"holo_detected"`
	HoloScore    float64 `json:"holo_score"`

	// Geometry and typography measurements, 0..1 where 1 is a perfect match.
	BorderSymmetry float64 `json:"border_symmetry"`
	FontScore      float64 `json:"font_score"`

	// Visible condition estimate from the images, free-form marketplace
	// vocabulary ("near mint", "lightly played", ...).
	ConditionHint string `json:"condition_hint,omitempty"`
}
