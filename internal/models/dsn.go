package models

// DSN holds the envelope of one delivery attempt: the message, its
// sender, and the per-recipient outcomes. The outbound SMTP client
// works through a DSN and updates each Recipient in place.
type DSN struct {
	Message    *Message
	Sender     *Address
	Recipients []*Recipient
	EnvelopeID string
}

// AddRecipient appends r to the recipient list.
func (d *DSN) AddRecipient(r *Recipient) {
	d.Recipients = append(d.Recipients, r)
}

// DeliveriesPending returns true as long as any recipient's outcome
// is still unknown.
func (d *DSN) DeliveriesPending() bool {
	for _, r := range d.Recipients {
		if r.Action == ActionUnknown {
			return true
		}
	}
	return false
}

// AllOk returns true if every recipient was relayed, delivered or
// expanded, i.e. nothing failed and nothing remains to retry.
func (d *DSN) AllOk() bool {
	for _, r := range d.Recipients {
		switch r.Action {
		case ActionRelayed, ActionDelivered, ActionExpanded:
		default:
			return false
		}
	}
	return true
}
