package model

import (
	"fmt"
	"time"
)

// Expense is a single shared cost inside a group.
//
// PaidBy and SplitBetween entries may be registered user IDs or free-text
// participant names; the split math does not distinguish.
type Expense struct {
	LocalID  string `json:"local_id"`
	RemoteID string `json:"remote_id,omitempty"`

	// GroupRef points at the parent group. It normally holds the group's
	// local ID but historical records may carry the remote UUID instead;
	// the sync engine resolves either form.
	GroupRef string `json:"group_ref"`

	Description  string   `json:"description"`
	Amount       float64  `json:"amount"`
	PaidBy       string   `json:"paid_by"`
	SplitBetween []string `json:"split_between"`

	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// PerPersonAmount is derived: Amount divided by the split set size.
	// Recomputed on every save whenever SplitBetween is non-empty.
	PerPersonAmount float64 `json:"per_person_amount"`
}

// Validate checks that the expense has valid field values.
func (e *Expense) Validate() error {
	if e.LocalID == "" {
		return fmt.Errorf("local id is required")
	}
	if e.GroupRef == "" {
		return fmt.Errorf("group ref is required")
	}
	if e.Description == "" {
		return fmt.Errorf("description is required")
	}
	if e.Amount <= 0 {
		return fmt.Errorf("amount must be positive (got %v)", e.Amount)
	}
	if e.PaidBy == "" {
		return fmt.Errorf("paid_by is required")
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (e *Expense) SetDefaults() {
	if e.SplitBetween == nil {
		e.SplitBetween = []string{}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	if e.PerPersonAmount == 0 {
		e.RecomputePerPerson()
	}
}

// UpdateTimestamp sets UpdatedAt to the current time.
func (e *Expense) UpdateTimestamp() {
	e.UpdatedAt = time.Now()
}

// RecomputePerPerson recalculates PerPersonAmount from the split set.
// An empty split set leaves the stored value untouched so an explicit
// override at creation survives.
func (e *Expense) RecomputePerPerson() {
	if len(e.SplitBetween) == 0 {
		return
	}
	e.PerPersonAmount = e.Amount / float64(len(e.SplitBetween))
}

// Clone returns a deep copy sharing no mutable state with the receiver.
func (e *Expense) Clone() *Expense {
	c := *e
	if e.SplitBetween != nil {
		c.SplitBetween = append([]string(nil), e.SplitBetween...)
	}
	return &c
}
