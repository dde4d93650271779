package domain

type VectorHit struct {
	FragmentID string  `json:"fragment_id"`
	Score      float64 `json:"score"`
	DocumentID string  `json:"document_id,omitempty"`
	Text       string  `json:"text"`
	Rank       int     `json:"rank"`
}

type Direction string

const (
	DirectionOutgoing Direction = "out"
	DirectionIncoming Direction = "in"
)

type Relationship struct {
	EntityID  string    `json:"entity_id"`
	Type      string    `json:"type"`
	Direction Direction `json:"direction"`
}

type GraphHit struct {
	EntityID      string         `json:"entity_id"`
	Name          string         `json:"name"`
	EntityType    string         `json:"entity_type,omitempty"`
	Score         float64        `json:"score"`
	Relationships []Relationship `json:"relationships,omitempty"`
	Rank          int            `json:"rank"`
}

// BoundRelationships returns a copy of the hit holding at most max relationships.
func (h GraphHit) BoundRelationships(max int) GraphHit {
	if max <= 0 || len(h.Relationships) <= max {
		return h
	}
	rels := make([]Relationship, max)
	copy(rels, h.Relationships[:max])
	h.Relationships = rels
	return h
}

type VectorFilter struct {
	DocumentID string
	Category   string
}

type GraphQuery struct {
	Text      string
	EntityIDs []string
	Depth     int
	Limit     int
}

type Entity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

type GraphNode struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Type       string            `json:"type,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

type GraphEdge struct {
	SourceID string  `json:"source_id"`
	TargetID string  `json:"target_id"`
	Type     string  `json:"type"`
	Weight   float64 `json:"weight,omitempty"`
}

// ClampScore keeps adapter scores inside [0,1].
func ClampScore(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
