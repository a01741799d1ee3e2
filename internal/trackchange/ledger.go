package trackchange

import (
	"encoding/json"
	"fmt"
)

// Kind is the edit a tracked change represents.
type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

func (k Kind) Valid() bool {
	return k == KindInsert || k == KindDelete
}

// Status is the review state of a ledger entry.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

func (s Status) Valid() bool {
	return s == StatusPending || s == StatusAccepted || s == StatusRejected
}

// ChangeRecord is one ledger entry. Only ID and Status drive resolution; any
// other fields the client stored are kept in Extra and written back unchanged.
type ChangeRecord struct {
	ID     string
	Kind   Kind
	Status Status
	Extra  map[string]json.RawMessage
}

func (r ChangeRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Extra)+3)
	for k, v := range r.Extra {
		out[k] = v
	}
	out["id"] = r.ID
	out["status"] = r.Status
	if r.Kind != "" {
		out["kind"] = r.Kind
	}
	return json.Marshal(out)
}

func (r *ChangeRecord) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decode change record: %w", err)
	}
	*r = ChangeRecord{Status: StatusPending}
	if raw, ok := fields["id"]; ok {
		if err := json.Unmarshal(raw, &r.ID); err != nil {
			return fmt.Errorf("decode change id: %w", err)
		}
		delete(fields, "id")
	}
	if raw, ok := fields["status"]; ok {
		if err := json.Unmarshal(raw, &r.Status); err != nil {
			return fmt.Errorf("decode change status: %w", err)
		}
		delete(fields, "status")
	}
	if raw, ok := fields["kind"]; ok {
		if err := json.Unmarshal(raw, &r.Kind); err != nil {
			return fmt.Errorf("decode change kind: %w", err)
		}
		delete(fields, "kind")
	}
	if len(fields) > 0 {
		r.Extra = fields
	}
	return nil
}

// Ledger is the list of tracked changes stored alongside a block.
type Ledger struct {
	Changes []ChangeRecord `json:"changes"`
}

// NewLedger returns an initialized, empty ledger.
func NewLedger() Ledger {
	return Ledger{Changes: make([]ChangeRecord, 0)}
}

func (l Ledger) MarshalJSON() ([]byte, error) {
	changes := l.Changes
	if changes == nil {
		changes = []ChangeRecord{}
	}
	return json.Marshal(struct {
		Changes []ChangeRecord `json:"changes"`
	}{changes})
}

// DecodeLedger parses a stored ledger document. Empty or null input yields an
// uninitialized ledger.
func DecodeLedger(data []byte) (Ledger, error) {
	if len(data) == 0 || string(data) == "null" {
		return Ledger{}, nil
	}
	var l Ledger
	if err := json.Unmarshal(data, &l); err != nil {
		return Ledger{}, fmt.Errorf("decode ledger: %w", err)
	}
	return l, nil
}

// Initialized reports whether the ledger has ever been set up.
func (l Ledger) Initialized() bool {
	return l.Changes != nil
}

// Pending returns the entries still awaiting review.
func (l Ledger) Pending() []ChangeRecord {
	out := make([]ChangeRecord, 0, len(l.Changes))
	for _, c := range l.Changes {
		if c.Status == StatusPending {
			out = append(out, c)
		}
	}
	return out
}

// Prune drops every entry that is no longer pending.
func (l Ledger) Prune() Ledger {
	return Ledger{Changes: l.Pending()}
}

func (l Ledger) without(ids []string) Ledger {
	if len(ids) == 0 {
		return l
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	out := Ledger{Changes: make([]ChangeRecord, 0, len(l.Changes))}
	for _, c := range l.Changes {
		if !drop[c.ID] {
			out.Changes = append(out.Changes, c)
		}
	}
	return out
}

func (l Ledger) index(id string) int {
	for i, c := range l.Changes {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy so callers can mutate statuses freely.
func (l Ledger) Clone() Ledger {
	if l.Changes == nil {
		return Ledger{}
	}
	out := Ledger{Changes: make([]ChangeRecord, len(l.Changes))}
	for i, c := range l.Changes {
		cp := c
		if c.Extra != nil {
			cp.Extra = make(map[string]json.RawMessage, len(c.Extra))
			for k, v := range c.Extra {
				cp.Extra[k] = append(json.RawMessage(nil), v...)
			}
		}
		out.Changes[i] = cp
	}
	return out
}
