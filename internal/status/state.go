package status

import "slices"

// Sync reports whether a message's local write has reached the remote backend.
type Sync string

const (
	Pending Sync = "pending"
	Synced  Sync = "synced"
	Failed  Sync = "failed"
)

// Delivery is the recipient-side lifecycle of a message.
type Delivery string

const (
	Sending   Delivery = "sending"
	Sent      Delivery = "sent"
	Delivered Delivery = "delivered"
	Read      Delivery = "read"
)

// validSyncTransitions defines allowed sync status transitions.
// Synced is terminal: a late failure never un-syncs a message.
var validSyncTransitions = map[Sync][]Sync{
	Pending: {Synced, Failed},
	Failed:  {Pending, Synced},
	Synced:  {},
}

var deliveryRank = map[Delivery]int{
	Sending:   0,
	Sent:      1,
	Delivered: 2,
	Read:      3,
}

// Valid reports whether s is a known sync status.
func (s Sync) Valid() bool {
	_, ok := validSyncTransitions[s]
	return ok
}

// Valid reports whether d is a known delivery status.
func (d Delivery) Valid() bool {
	_, ok := deliveryRank[d]
	return ok
}

// AdvanceSync returns to if from→to is an allowed transition, otherwise from.
func AdvanceSync(from, to Sync) Sync {
	if from == to || !to.Valid() {
		return from
	}
	if !from.Valid() {
		return to
	}
	if slices.Contains(validSyncTransitions[from], to) {
		return to
	}
	return from
}

// AdvanceDelivery returns the later of from and to.
func AdvanceDelivery(from, to Delivery) Delivery {
	if !to.Valid() {
		return from
	}
	if !from.Valid() || deliveryRank[to] > deliveryRank[from] {
		return to
	}
	return from
}

// DeriveDelivery computes the delivery status implied by the receipt sets.
// Recipients are the participants other than the sender; when participants
// are unknown, anyone who has acknowledged the message counts as a recipient.
func DeriveDelivery(current Delivery, sender string, participants, deliveredTo, readBy []string) Delivery {
	recipients := without(participants, sender)
	if len(recipients) == 0 {
		recipients = without(union(deliveredTo, readBy), sender)
	}
	if len(recipients) == 0 {
		return current
	}

	derived := current
	switch {
	case containsAll(readBy, recipients):
		derived = Read
	case containsAll(deliveredTo, recipients):
		derived = Delivered
	}
	return AdvanceDelivery(current, derived)
}

func without(ids []string, drop string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}

func union(a, b []string) []string {
	out := slices.Clone(a)
	for _, id := range b {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func containsAll(set, want []string) bool {
	for _, id := range want {
		if !slices.Contains(set, id) {
			return false
		}
	}
	return true
}
