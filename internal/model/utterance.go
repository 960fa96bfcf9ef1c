package model

// Utterance is one atomic unit of speech from a transcript
type Utterance struct {
	ID             string `json:"id"`
	EpisodeID      string `json:"episode_id"`
	Speaker        string `json:"speaker"`
	TimestampStart string `json:"timestamp_start"` // HH:MM:SS
	TimestampEnd   string `json:"timestamp_end"`   // HH:MM:SS
	Text           string `json:"text"`
	ParentID       string `json:"parent_id,omitempty"` // Set on utterances produced by splitting
	Line           int    `json:"line,omitempty"`      // 1-based transcript line
}

// UtteranceClaims is the extraction result for one utterance
type UtteranceClaims struct {
	UtteranceID string     `json:"utterance_id"`
	Claims      []RawClaim `json:"claims"`
	Malformed   int        `json:"malformed,omitempty"` // Claims rejected by validation
}
