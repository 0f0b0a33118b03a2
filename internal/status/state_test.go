package status

import "testing"

func TestAdvanceSync(t *testing.T) {
	tests := []struct {
		from Sync
		to   Sync
		want Sync
	}{
		{Pending, Synced, Synced},
		{Pending, Failed, Failed},
		{Failed, Pending, Pending},
		{Failed, Synced, Synced},
		{Synced, Failed, Synced},
		{Synced, Pending, Synced},
		{Pending, Pending, Pending},
		{Pending, Sync("bogus"), Pending},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := AdvanceSync(tt.from, tt.to); got != tt.want {
				t.Errorf("AdvanceSync(%s, %s) = %s, want %s", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestAdvanceDeliveryNeverRegresses(t *testing.T) {
	all := []Delivery{Sending, Sent, Delivered, Read}
	for i, from := range all {
		for j, to := range all {
			got := AdvanceDelivery(from, to)
			want := from
			if j > i {
				want = to
			}
			if got != want {
				t.Errorf("AdvanceDelivery(%s, %s) = %s, want %s", from, to, got, want)
			}
		}
	}
}

func TestDeriveDelivery(t *testing.T) {
	tests := []struct {
		name         string
		current      Delivery
		participants []string
		deliveredTo  []string
		readBy       []string
		want         Delivery
	}{
		{"direct unread", Sent, []string{"a", "b"}, []string{"a"}, []string{"a"}, Sent},
		{"direct delivered", Sent, []string{"a", "b"}, []string{"a", "b"}, []string{"a"}, Delivered},
		{"direct read", Sent, []string{"a", "b"}, []string{"a", "b"}, []string{"a", "b"}, Read},
		{"group partial", Sent, []string{"a", "b", "c"}, []string{"a", "b"}, []string{"a", "b"}, Sent},
		{"group all delivered one read", Sent, []string{"a", "b", "c"}, []string{"a", "b", "c"}, []string{"a", "b"}, Delivered},
		{"no regression", Read, []string{"a", "b"}, []string{"a"}, []string{"a"}, Read},
		{"unknown participants", Sending, nil, []string{"a", "b"}, []string{"a"}, Delivered},
		{"only sender", Sent, []string{"a"}, []string{"a"}, []string{"a"}, Sent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveDelivery(tt.current, "a", tt.participants, tt.deliveredTo, tt.readBy)
			if got != tt.want {
				t.Errorf("DeriveDelivery() = %s, want %s", got, tt.want)
			}
		})
	}
}
