package scheduling

import (
	"sync"

	"github.com/beevik/etree"

	"github.com/cyp0633/caldora-scheduling/internal/xml/scheduleresponse"
	"github.com/cyp0633/caldora-scheduling/server/calobj"
)

// ResponseEntry is the scheduling outcome for one recipient.
type ResponseEntry struct {
	Recipient string
	// Status is the iTIP request-status literal.
	Status string
	// Reply optionally carries a payload back to the requester
	// (free-busy answers on direct scheduling).
	Reply *calobj.Object
	// Err records the underlying failure, if any.
	Err error
}

// ResponseQueue collects per-recipient outcomes during fan-out and is
// rendered once per request. Safe for concurrent Add.
type ResponseQueue struct {
	mu      sync.Mutex
	entries []ResponseEntry
}

// Add records one recipient's outcome.
func (q *ResponseQueue) Add(entry ResponseEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, entry)
}

// Entries returns the collected outcomes in arrival order.
func (q *ResponseQueue) Entries() []ResponseEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]ResponseEntry, len(q.entries))
	copy(out, q.entries)
	return out
}

// ToXML renders the queue as a schedule-response document.
func (q *ResponseQueue) ToXML() (*etree.Document, error) {
	doc := scheduleresponse.Document{}
	for _, entry := range q.Entries() {
		resp := scheduleresponse.Response{
			Recipient:     entry.Recipient,
			RequestStatus: entry.Status,
		}
		if entry.Reply != nil {
			ics, err := entry.Reply.Encode()
			if err != nil {
				return nil, err
			}
			resp.CalendarData = ics
		}
		doc.Responses = append(doc.Responses, resp)
	}
	return doc.ToXML(), nil
}
