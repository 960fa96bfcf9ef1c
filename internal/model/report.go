package model

import "time"

// RunReport summarises one pipeline run, complete or halted
type RunReport struct {
	RunID      string        `json:"run_id"`
	EpisodeID  string        `json:"episode_id"`
	Source     string        `json:"source"` // Transcript path
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Resumed    bool          `json:"resumed"` // Whether the run continued from a checkpoint
	Completed  bool          `json:"completed"`
	FailedAt   string        `json:"failed_phase,omitempty"` // Phase name when the run halted
	Reason     string        `json:"reason,omitempty"`
	Stages     []StageReport `json:"stages"`

	Registry RegistrySummary `json:"registry"`
	Clusters ClusterSummary  `json:"clusters"`
	Quality  *QualityReport  `json:"quality,omitempty"`
}

// StageReport holds counts and error tallies for one stage
type StageReport struct {
	Phase      Phase         `json:"phase"`
	Count      int           `json:"count"`
	Errors     int           `json:"errors"`
	Retries    int64         `json:"retries"`
	Calls      int64         `json:"calls"`
	Unfinished int           `json:"unfinished,omitempty"`
	Duration   time.Duration `json:"duration"`
	Reused     bool          `json:"from_checkpoint"` // Payload reused from a complete checkpoint
	Incomplete bool          `json:"incomplete,omitempty"`
}

// RegistrySummary describes registry effects of a run
type RegistrySummary struct {
	Canonical  int     `json:"canonical_total"`
	New        int     `json:"new"`
	Exact      int     `json:"exact"`
	Similar    int     `json:"similar"`
	Mismatches int     `json:"mismatches"` // Claims stored without an embedding
	Folded     int     `json:"folded"`     // Deferred claims merged into older matches
	DedupRate  float64 `json:"dedup_rate"`
}

// ClusterSummary describes cluster store effects of a run
type ClusterSummary struct {
	Groups    int `json:"groups_total"`
	Committed int `json:"committed"`
	Outliers  int `json:"outliers"`
	Joined    int `json:"joined"`   // Claims that joined an existing group
	Promoted  int `json:"promoted"` // Outlier groups promoted this run
	Formed    int `json:"formed"`   // Groups formed from provisional claims
}

// QualityReport is the 0-100 quality score for a run
type QualityReport struct {
	RunID     string             `json:"run_id"`
	Score     float64            `json:"score"`
	Grade     string             `json:"grade"`
	Penalties map[string]float64 `json:"penalties"` // kind -> total penalty
	Counts    map[string]int     `json:"counts"`    // kind -> occurrences
	Generated time.Time          `json:"generated_at"`
}
