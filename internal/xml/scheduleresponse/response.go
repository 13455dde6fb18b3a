// Package scheduleresponse renders the CalDAV schedule-response document
// returned from scheduling POSTs (RFC 6638 section 13.1).
package scheduleresponse

import (
	"github.com/beevik/etree"

	"github.com/cyp0633/caldora-scheduling/internal/xml"
)

// Response is the outcome for one recipient.
type Response struct {
	// Recipient is the calendar user address the entry refers to.
	Recipient string
	// RequestStatus is the iTIP request-status literal, e.g. "2.0;Success".
	RequestStatus string
	// CalendarData optionally carries a reply payload (free-busy answers).
	CalendarData string
}

// Document is a full schedule-response.
type Document struct {
	Responses []Response
}

// ToXML renders the document.
func (d *Document) ToXML() *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	root := doc.CreateElement("C:schedule-response")
	for _, resp := range d.Responses {
		elem := root.CreateElement("C:response")

		recipient := elem.CreateElement("C:recipient")
		recipient.CreateElement("D:href").SetText(resp.Recipient)

		elem.CreateElement("C:request-status").SetText(resp.RequestStatus)

		if resp.CalendarData != "" {
			elem.CreateElement("C:calendar-data").SetText(resp.CalendarData)
		}
	}

	xml.AddNamespaces(doc)
	return doc
}
