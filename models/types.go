package models

import "time"

// Detection is one region reported by the model. BBox is x1, y1, x2, y2 in
// pixels of the original image.
type Detection struct {
	ClassID int      `json:"class_id"`
	Label   string   `json:"label"`
	Score   float32  `json:"score"`
	BBox    [4]int32 `json:"bbox"`
}

type ProcessingTimings struct {
	RequestID   string
	Fetch       time.Duration
	ModelLoad   time.Duration
	ImageDecode time.Duration
	Resize      time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Render      time.Duration
	Upload      time.Duration
	Total       time.Duration
}
