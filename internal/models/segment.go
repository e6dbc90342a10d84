package models

import "time"

// Segment is a boolean-criteria-defined subset of clients. A client matches
// iff every inclusion criterion is true and no exclusion criterion is true.
type Segment struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Include   []Condition `json:"include,omitempty"`
	Exclude   []Condition `json:"exclude,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}
