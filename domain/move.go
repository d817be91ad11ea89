package domain

// Destination is where a dragged card was dropped.
type Destination struct {
	GroupID string `json:"groupId"`
	Index   int    `json:"index"`
}

// Move describes one drag-end gesture. Indexes are zero-based ranks in the
// current OrderMap sequence of the group. A nil Destination means the card
// was dropped outside any column.
type Move struct {
	ItemID        string       `json:"itemId"`
	SourceGroupID string       `json:"sourceGroupId"`
	SourceIndex   int          `json:"sourceIndex"`
	Destination   *Destination `json:"destination,omitempty"`
}

// IsNoop reports whether the gesture ends where it started.
func (m Move) IsNoop() bool {
	return m.Destination != nil &&
		m.Destination.GroupID == m.SourceGroupID &&
		m.Destination.Index == m.SourceIndex
}

// CrossGroup reports whether the card changes column.
func (m Move) CrossGroup() bool {
	return m.Destination != nil && m.Destination.GroupID != m.SourceGroupID
}

// PendingUpdate is one item update implied by a move.
type PendingUpdate struct {
	ItemID      string  `json:"itemId"`
	NewGroupID  *string `json:"newGroupId,omitempty"`
	NewPosition int     `json:"newPosition"`
}

// Payload converts the update into the body sent to the task API.
func (p PendingUpdate) Payload() UpdateTask {
	upd := UpdateTask{Position: p.NewPosition}
	if p.NewGroupID != nil {
		g := *p.NewGroupID
		upd.StatusID = &g
	}
	return upd
}
