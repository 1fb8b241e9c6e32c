package memory

import "time"

// Tier identifies which retention tier currently owns an item.
type Tier string

const (
	TierSTM Tier = "stm"
	TierMTM Tier = "mtm"
	TierLTM Tier = "ltm"
)

// AllTiers in promotion order, most volatile first.
var AllTiers = []Tier{TierSTM, TierMTM, TierLTM}

func (t Tier) Valid() bool {
	switch t {
	case TierSTM, TierMTM, TierLTM:
		return true
	}
	return false
}

// Relationship is a directed edge from the owning item to TargetID.
// Edges are unique per (TargetID, Type) on a given source item.
type Relationship struct {
	TargetID      string  `json:"target_id"`
	Type          string  `json:"type"`
	Strength      float64 `json:"strength"`
	Bidirectional bool    `json:"bidirectional"`
	CreatedAtMS   int64   `json:"created_at_ms"`
}

// MemoryItem is the unit of storage across all tiers.
type MemoryItem struct {
	ID         string            `json:"id"`
	Content    string            `json:"content"`
	Structured map[string]string `json:"structured,omitempty"`
	Summary    string            `json:"summary,omitempty"`
	Tier       Tier              `json:"tier"`

	Importance  float64  `json:"importance"`
	Strength    float64  `json:"strength"`
	Tags        []string `json:"tags,omitempty"`
	ContentType string   `json:"content_type,omitempty"`

	CreatedAtMS    int64 `json:"created_at_ms"`
	LastAccessedMS int64 `json:"last_accessed_ms"`
	AccessCount    int   `json:"access_count"`

	// TTLMS applies in STM only; 0 means the tier default.
	TTLMS int64 `json:"ttl_ms,omitempty"`

	Categories    []string       `json:"categories,omitempty"`
	Relationships []Relationship `json:"relationships,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy so backends never leak shared slices/maps.
func (m MemoryItem) Clone() MemoryItem {
	out := m
	if m.Tags != nil {
		out.Tags = append([]string(nil), m.Tags...)
	}
	if m.Categories != nil {
		out.Categories = append([]string(nil), m.Categories...)
	}
	if m.Relationships != nil {
		out.Relationships = append([]Relationship(nil), m.Relationships...)
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	if m.Structured != nil {
		out.Structured = make(map[string]string, len(m.Structured))
		for k, v := range m.Structured {
			out.Structured[k] = v
		}
	}
	return out
}

// HasTag reports whether the item carries the tag (case-sensitive).
func (m MemoryItem) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// HasCategory reports whether the item belongs to the named category.
func (m MemoryItem) HasCategory(category string) bool {
	for _, c := range m.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// ExpiresAtMS returns the absolute expiry for an STM item, 0 if none applies.
func (m MemoryItem) ExpiresAtMS(defaultTTL time.Duration) int64 {
	if m.Tier != TierSTM {
		return 0
	}
	ttl := m.TTLMS
	if ttl <= 0 {
		ttl = defaultTTL.Milliseconds()
	}
	if ttl <= 0 {
		return 0
	}
	return m.CreatedAtMS + ttl
}

// Expired reports lazy expiry for STM items.
func (m MemoryItem) Expired(nowMS int64, defaultTTL time.Duration) bool {
	exp := m.ExpiresAtMS(defaultTTL)
	return exp > 0 && exp < nowMS
}

// Patch is a partial update applied atomically to one item.
// Nil fields are left untouched.
type Patch struct {
	Content        *string
	Structured     map[string]string
	Summary        *string
	Importance     *float64
	Strength       *float64
	Tags           *[]string
	ContentType    *string
	LastAccessedMS *int64
	AccessCount    *int
	TTLMS          *int64
	Categories     *[]string
	Relationships  *[]Relationship
	Metadata       map[string]string
}

// Apply mutates item in place. Importance and strength are clamped into [0,1].
func (p Patch) Apply(item *MemoryItem) {
	if p.Content != nil {
		item.Content = *p.Content
	}
	if p.Structured != nil {
		item.Structured = p.Structured
	}
	if p.Summary != nil {
		item.Summary = *p.Summary
	}
	if p.Importance != nil {
		item.Importance = clampUnit(*p.Importance)
	}
	if p.Strength != nil {
		item.Strength = clampUnit(*p.Strength)
	}
	if p.Tags != nil {
		item.Tags = append([]string(nil), (*p.Tags)...)
	}
	if p.ContentType != nil {
		item.ContentType = *p.ContentType
	}
	if p.LastAccessedMS != nil {
		item.LastAccessedMS = *p.LastAccessedMS
	}
	if p.AccessCount != nil {
		item.AccessCount = *p.AccessCount
	}
	if p.TTLMS != nil {
		item.TTLMS = *p.TTLMS
	}
	if p.Categories != nil {
		item.Categories = append([]string(nil), (*p.Categories)...)
	}
	if p.Relationships != nil {
		item.Relationships = append([]Relationship(nil), (*p.Relationships)...)
	}
	if p.Metadata != nil {
		if item.Metadata == nil {
			item.Metadata = map[string]string{}
		}
		for k, v := range p.Metadata {
			item.Metadata[k] = v
		}
	}
}

// Empty reports whether the patch would change nothing.
func (p Patch) Empty() bool {
	return p.Content == nil && p.Structured == nil && p.Summary == nil &&
		p.Importance == nil && p.Strength == nil && p.Tags == nil &&
		p.ContentType == nil && p.LastAccessedMS == nil && p.AccessCount == nil &&
		p.TTLMS == nil && p.Categories == nil && p.Relationships == nil &&
		p.Metadata == nil
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func nowMS() int64 { return time.Now().UnixMilli() }
