package model

import (
	"fmt"
	"time"
)

// DeletionState tracks the collaborative deletion workflow for a group.
//
// A group is physically removed only after every member has confirmed; a
// single restore vote from any member cancels the whole workflow.
// RestoredBy is a historical log, not a threshold.
type DeletionState struct {
	Pending     bool       `json:"pending"`
	InitiatedBy string     `json:"initiated_by,omitempty"`
	ConfirmedBy []string   `json:"confirmed_by,omitempty"`
	RestoredBy  []string   `json:"restored_by,omitempty"`
	InitiatedAt *time.Time `json:"initiated_at,omitempty"`
}

// HasConfirmed reports whether the user already cast a confirmation vote.
func (d *DeletionState) HasConfirmed(userID string) bool {
	for _, id := range d.ConfirmedBy {
		if SameUser(id, userID) {
			return true
		}
	}
	return false
}

// Reset clears the pending deletion. RestoredBy is deliberately kept.
func (d *DeletionState) Reset() {
	d.Pending = false
	d.InitiatedBy = ""
	d.ConfirmedBy = nil
	d.InitiatedAt = nil
}

// Group is a shared expense pool.
//
// Members holds verified registered-user IDs; Participants holds free-text
// display names for people without an account. The two are disjoint in
// intent, but legacy data stored names in Members, so consumers must
// tolerate overlap.
type Group struct {
	LocalID  string `json:"local_id"`
	RemoteID string `json:"remote_id,omitempty"`

	Name         string   `json:"name"`
	Members      []string `json:"members"`
	Participants []string `json:"participants,omitempty"`

	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Expenses []*Expense `json:"expenses,omitempty"`

	// TotalExpenses is derived. It is recomputed on every save and is never
	// independently authoritative.
	TotalExpenses float64 `json:"total_expenses"`

	Deletion DeletionState `json:"deletion"`
}

// Validate checks that the group has valid field values.
func (g *Group) Validate() error {
	if g.LocalID == "" {
		return fmt.Errorf("local id is required")
	}
	if g.Name == "" {
		return fmt.Errorf("name is required")
	}
	if g.CreatedBy == "" {
		return fmt.Errorf("created_by is required")
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (g *Group) SetDefaults() {
	if g.Members == nil {
		g.Members = []string{}
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	if g.UpdatedAt.IsZero() {
		g.UpdatedAt = time.Now()
	}
}

// UpdateTimestamp sets UpdatedAt to the current time. Call whenever any
// field is modified so last-write-wins upserts carry a fresh timestamp.
func (g *Group) UpdateTimestamp() {
	g.UpdatedAt = time.Now()
}

// HasMember reports whether userID is a registered member of the group.
func (g *Group) HasMember(userID string) bool {
	for _, m := range g.Members {
		if SameUser(m, userID) {
			return true
		}
	}
	return false
}

// RemoveMember drops userID from the member set. The creator is never
// removed regardless of the argument.
func (g *Group) RemoveMember(userID string) {
	if SameUser(userID, g.CreatedBy) {
		return
	}
	kept := g.Members[:0]
	for _, m := range g.Members {
		if !SameUser(m, userID) {
			kept = append(kept, m)
		}
	}
	g.Members = kept
}

// RecomputeTotal recalculates TotalExpenses from the expense list.
func (g *Group) RecomputeTotal() {
	var total float64
	for _, e := range g.Expenses {
		total += e.Amount
	}
	g.TotalExpenses = total
}

// FindExpense returns the expense with the given local ID, or nil.
func (g *Group) FindExpense(localID string) *Expense {
	for _, e := range g.Expenses {
		if e.LocalID == localID {
			return e
		}
	}
	return nil
}

// Clone returns a deep copy sharing no mutable state with the receiver.
// Callers that hand groups to concurrent consumers clone first.
func (g *Group) Clone() *Group {
	c := *g
	if g.Members != nil {
		c.Members = append([]string(nil), g.Members...)
	}
	if g.Participants != nil {
		c.Participants = append([]string(nil), g.Participants...)
	}
	if g.Deletion.ConfirmedBy != nil {
		c.Deletion.ConfirmedBy = append([]string(nil), g.Deletion.ConfirmedBy...)
	}
	if g.Deletion.RestoredBy != nil {
		c.Deletion.RestoredBy = append([]string(nil), g.Deletion.RestoredBy...)
	}
	if g.Deletion.InitiatedAt != nil {
		at := *g.Deletion.InitiatedAt
		c.Deletion.InitiatedAt = &at
	}
	if g.Expenses != nil {
		c.Expenses = make([]*Expense, len(g.Expenses))
		for i, e := range g.Expenses {
			c.Expenses[i] = e.Clone()
		}
	}
	return &c
}

// RemoveExpense drops the expense with the given local ID and reports
// whether it was present.
func (g *Group) RemoveExpense(localID string) bool {
	for i, e := range g.Expenses {
		if e.LocalID == localID {
			g.Expenses = append(g.Expenses[:i], g.Expenses[i+1:]...)
			return true
		}
	}
	return false
}
