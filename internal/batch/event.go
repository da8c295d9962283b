package batch

import (
	"encoding/json"

	"site-proximity/internal/models"
)

// Event is one frame of batch progress. Exactly one of three shapes is set:
// a row completion (Row non-nil), a stop notice (Stopped), or the terminal
// frame (Finished).
type Event struct {
	// Index is the 1-based completion order of Row, not its input position.
	Index int
	Total int
	Row   *models.ResolvedRow

	Stopped   bool
	Message   string
	Processed int

	Finished    bool
	DownloadURL string
	Error       string
	// Results is set on the terminal frame only, in input order. It is not
	// part of the wire format.
	Results []models.ResolvedRow
}

type rowFrame struct {
	Index int                 `json:"index"`
	Total int                 `json:"total"`
	Row   *models.ResolvedRow `json:"row"`
}

type stopFrame struct {
	Stopped   bool   `json:"stopped"`
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	Message   string `json:"message"`
}

type finishFrame struct {
	Finished    bool   `json:"finished"`
	Processed   int    `json:"processed"`
	Total       int    `json:"total"`
	DownloadURL string `json:"downloadUrl,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	switch {
	case e.Finished:
		return json.Marshal(finishFrame{true, e.Processed, e.Total, e.DownloadURL, e.Error})
	case e.Stopped:
		return json.Marshal(stopFrame{true, e.Processed, e.Total, e.Message})
	default:
		return json.Marshal(rowFrame{e.Index, e.Total, e.Row})
	}
}
