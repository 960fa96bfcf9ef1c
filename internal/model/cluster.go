package model

// GroupStatus describes whether a cluster group has reached the minimum size
type GroupStatus string

const (
	GroupCommitted GroupStatus = "committed"
	GroupOutlier   GroupStatus = "outlier"
)

// ClusterGroup is a persistent cross-run grouping of similar canonical claims
type ClusterGroup struct {
	ID           int64       `json:"id"`
	MemberIDs    []string    `json:"member_canonical_ids"` // Sorted set
	Centroid     []float64   `json:"centroid"`             // Running mean of member embeddings
	SourceRefIDs []string    `json:"source_reference_ids"` // Sorted set
	Status       GroupStatus `json:"status"`
	CreatedRun   string      `json:"created_run"`
	UpdatedRun   string      `json:"updated_run"`
}

// Size returns the number of member canonical claims
func (g *ClusterGroup) Size() int {
	return len(g.MemberIDs)
}

// Assignment records which group a canonical claim landed in during a run
type Assignment struct {
	CanonicalID string `json:"canonical_id"`
	GroupID     int64  `json:"group_id"`
	Deferred    bool   `json:"deferred,omitempty"` // No embedding available yet
}
