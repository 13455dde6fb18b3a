// Package xml holds the XML namespace constants and document helpers
// shared by the scheduling response builders.
package xml

import "github.com/beevik/etree"

const (
	// DAV is the WebDAV namespace
	DAV = "DAV:"
	// CalDAV is the CalDAV namespace
	CalDAV = "urn:ietf:params:xml:ns:caldav"
)

// AddNamespaces declares the WebDAV and CalDAV namespaces on the
// document root.
func AddNamespaces(doc *etree.Document) {
	root := doc.Root()
	if root == nil {
		return
	}
	root.CreateAttr("xmlns:D", DAV)
	root.CreateAttr("xmlns:C", CalDAV)
}
