package conda

import (
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/cockroachdb/errors"
	"golang.org/x/net/html"
)

// listingCells is the number of cells in a file row of an installer listing:
// filename, size, last modified, checksum.
const listingCells = 4

// ListingEntry is one file row of an HTML directory listing.
type ListingEntry struct {
	Filename string
	Checksum string
}

// ParseListing extracts file rows from an HTML directory listing, in the
// order they appear in the document.
//
// Rows that do not have exactly four cells (headers, separators) are
// ignored.  The first cell must hold an anchor with the filename and the
// fourth cell the checksum.  Only the text before the first child element
// of the checksum cell is used.
func ParseListing(r io.Reader) ([]ListingEntry, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "ParseListing"), ErrMalformed)
	}

	tables := doc.Find("table")
	if tables.Length() == 0 {
		return nil, errors.Mark(errors.New("ParseListing: no table in document"), ErrMalformed)
	}

	var entries []ListingEntry
	tables.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		tds := tr.Find("td")
		if tds.Length() != listingCells {
			return
		}
		name := strings.TrimSpace(tds.Eq(0).Find("a").First().Text())
		if name == "" {
			return
		}
		entries = append(entries, ListingEntry{
			Filename: name,
			Checksum: strings.TrimSpace(leadingText(tds.Eq(3))),
		})
	})
	return entries, nil
}

// leadingText returns the text of sel up to its first child element.
func leadingText(sel *goquery.Selection) string {
	var b strings.Builder
	for _, n := range sel.Contents().Nodes {
		if n.Type != html.TextNode {
			break
		}
		b.WriteString(n.Data)
	}
	return b.String()
}
