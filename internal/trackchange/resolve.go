package trackchange

import (
	"errors"
	"fmt"
	"sort"
)

var ErrInvalidAction = errors.New("invalid resolution action")

// Action is a reviewer's decision on a tracked change.
type Action string

const (
	ActionAccept Action = "accept"
	ActionReject Action = "reject"
)

func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionAccept, ActionReject:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
	}
}

// Result is the outcome of a resolution pass. Body and Ledger must be stored
// together.
type Result struct {
	Body     string
	Ledger   Ledger
	Resolved []string
	Skipped  []string
	// Dropped lists pending ids that were not requested but lost every marker
	// because an enclosing marker was removed. They leave the ledger.
	Dropped []string
}

// Changed reports whether any change id was resolved.
func (r Result) Changed() bool {
	return len(r.Resolved) > 0
}

// Resolve applies action to every pending change in changeIDs. Ids missing
// from the ledger or no longer pending are skipped. The returned ledger only
// holds entries that are still pending.
func Resolve(body string, ledger Ledger, changeIDs []string, action Action) (Result, error) {
	if action != ActionAccept && action != ActionReject {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}

	next := ledger.Clone()
	res := Result{Body: body, Resolved: make([]string, 0), Skipped: make([]string, 0), Dropped: make([]string, 0)}

	var (
		tree   *Tree
		before map[string]bool
	)
	seen := make(map[string]bool, len(changeIDs))
	for _, id := range changeIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		i := next.index(id)
		if i < 0 || next.Changes[i].Status != StatusPending {
			res.Skipped = append(res.Skipped, id)
			continue
		}
		if tree == nil {
			parsed, err := Parse(body)
			if err != nil {
				return Result{}, err
			}
			tree = parsed
			before = markerIDs(tree)
		}
		for _, m := range tree.MarkersFor(id) {
			apply(tree, m, action)
		}
		if action == ActionAccept {
			next.Changes[i].Status = StatusAccepted
		} else {
			next.Changes[i].Status = StatusRejected
		}
		res.Resolved = append(res.Resolved, id)
	}

	if tree != nil {
		res.Body = tree.Render()
		after := markerIDs(tree)
		for _, c := range next.Changes {
			if c.Status == StatusPending && before[c.ID] && !after[c.ID] {
				res.Dropped = append(res.Dropped, c.ID)
			}
		}
		next = next.without(res.Dropped)
	}
	res.Ledger = next.Prune()
	return res, nil
}

func markerIDs(t *Tree) map[string]bool {
	ids := make(map[string]bool)
	for _, m := range t.Markers() {
		ids[m.ChangeID] = true
	}
	return ids
}

// Reconcile drops pending entries whose markers are absent from body, for
// use when the body is replaced wholesale. It returns the ids it dropped.
func Reconcile(body string, ledger Ledger) (Ledger, []string, error) {
	dropped := make([]string, 0)
	if len(ledger.Pending()) == 0 {
		return ledger, dropped, nil
	}
	tree, err := Parse(body)
	if err != nil {
		return Ledger{}, nil, err
	}
	inBody := markerIDs(tree)
	for _, c := range ledger.Changes {
		if c.Status == StatusPending && !inBody[c.ID] {
			dropped = append(dropped, c.ID)
		}
	}
	if len(dropped) == 0 {
		return ledger, dropped, nil
	}
	return ledger.Clone().without(dropped), dropped, nil
}

// apply rewrites one marker:
//
//	insert + accept, delete + reject: unwrap, keeping the text
//	insert + reject, delete + accept: remove marker and text
func apply(t *Tree, m Marker, action Action) {
	keep := (m.Kind == KindInsert) == (action == ActionAccept)
	if keep {
		t.Unwrap(m.Node)
	} else {
		t.Remove(m.Node)
	}
}

// Preview applies action to every marker in body regardless of the ledger. It
// is used to render a clean copy and never touches stored state.
func Preview(body string, action Action) (string, error) {
	if action != ActionAccept && action != ActionReject {
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	tree, err := Parse(body)
	if err != nil {
		return "", err
	}
	markers := tree.Markers()
	if len(markers) == 0 {
		return body, nil
	}
	for _, m := range markers {
		apply(tree, m, action)
	}
	return tree.Render(), nil
}

// Report describes how a ledger lines up with the markers in a body.
type Report struct {
	MarkerIDs []string `json:"markerIds"`
	// Orphaned lists pending ids with no marker left in the body.
	Orphaned []string `json:"orphaned"`
	// Untracked lists marker ids that have no pending ledger entry.
	Untracked []string `json:"untracked"`
}

func (r Report) Consistent() bool {
	return len(r.Orphaned) == 0
}

// Inspect cross-checks the ledger against the body.
func Inspect(body string, ledger Ledger) (Report, error) {
	tree, err := Parse(body)
	if err != nil {
		return Report{}, err
	}
	inBody := markerIDs(tree)
	pending := make(map[string]bool)
	for _, c := range ledger.Pending() {
		pending[c.ID] = true
	}

	rep := Report{
		MarkerIDs: sortedKeys(inBody),
		Orphaned:  make([]string, 0),
		Untracked: make([]string, 0),
	}
	for _, id := range sortedKeys(pending) {
		if !inBody[id] {
			rep.Orphaned = append(rep.Orphaned, id)
		}
	}
	for _, id := range rep.MarkerIDs {
		if !pending[id] {
			rep.Untracked = append(rep.Untracked, id)
		}
	}
	return rep, nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Enable returns the ledger to use once track changes is switched on: the
// existing one, or a fresh empty ledger if none was ever initialized.
func Enable(current Ledger) Ledger {
	if current.Initialized() {
		return current
	}
	return NewLedger()
}
