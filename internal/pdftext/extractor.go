// Package pdftext wraps go-fitz (MuPDF bindings) for local, no-external-call
// text extraction and page counting. It backs the "does this PDF already
// have a usable text layer" probe and the page-count fields used
// throughout the data model.
package pdftext

import (
	"bytes"
	"image/png"
	"sort"
	"strings"

	fitz "github.com/gen2brain/go-fitz"
	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/scholarly/ingestd/internal/apierrors"
)

// minUsableCharsPerPage is the character-density threshold below which a
// page is considered to have no usable text layer.
const minUsableCharsPerPage = 40

// Document is an opened PDF; callers must Close it.
type Document struct {
	doc   *fitz.Document
	pages int
}

// Open opens the PDF at path for text extraction and page counting.
func Open(path string) (*Document, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInvalidInput, "open pdf", err)
	}
	return &Document{doc: doc, pages: doc.NumPage()}, nil
}

// Close releases the underlying MuPDF handle.
func (d *Document) Close() error { return d.doc.Close() }

// PageCount reports the document's page count.
func (d *Document) PageCount() int { return d.pages }

// MetadataString flattens the PDF's embedded metadata (title, author,
// subject, ...) into one deterministic key:value string, the first half of
// the L1 content-hash input. Keys are emitted in sorted order so the same
// document always produces the same string.
func (d *Document) MetadataString() string {
	meta := d.doc.Metadata()
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		if meta[k] == "" {
			continue
		}
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(meta[k])
		b.WriteByte('\n')
	}
	return b.String()
}

// PageText extracts the raw text of a 1-based page number.
func (d *Document) PageText(page int) (string, error) {
	if page < 1 || page > d.pages {
		return "", apierrors.New(apierrors.KindInvalidInput, "page out of range")
	}
	text, err := d.doc.Text(page - 1)
	if err != nil {
		return "", apierrors.Wrap(apierrors.KindInternal, "extract page text", err)
	}
	return text, nil
}

// AllPageText extracts every page's text in order, 1-indexed by position.
func (d *Document) AllPageText() ([]string, error) {
	out := make([]string, d.pages)
	for i := 0; i < d.pages; i++ {
		text, err := d.doc.Text(i)
		if err != nil {
			// A single unreadable page degrades to empty text rather than
			// aborting extraction for the whole document; the OCR fallback
			// picks up documents that come out mostly empty.
			text = ""
		}
		out[i] = text
	}
	return out, nil
}

// HasUsableTextLayer reports whether the document's average per-page
// character density clears minUsableCharsPerPage, the trigger for
// skipping OCR on documents that already carry their own text.
func HasUsableTextLayer(pages []string) bool {
	if len(pages) == 0 {
		return false
	}
	total := 0
	for _, p := range pages {
		total += len(strings.TrimSpace(p))
	}
	return total/len(pages) >= minUsableCharsPerPage
}

// FirstPagePNG rasterizes page 1 and PNG-encodes it, backing the
// /preview/{doc_id} endpoint and the images/{doc_id}_p1.png on-disk layout.
func (d *Document) FirstPagePNG() ([]byte, error) {
	img, err := d.doc.Image(0)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, "render first page", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, "encode preview png", err)
	}
	return buf.Bytes(), nil
}

// PageCountFile reports path's page count via pdfcpu without opening a
// MuPDF handle, for callers that only need the count.
func PageCountFile(path string) (int, error) {
	n, err := api.PageCountFile(path)
	if err != nil {
		return 0, apierrors.Wrap(apierrors.KindInvalidInput, "pdf page count", err)
	}
	return n, nil
}

// FirstPages joins up to n pages of text, used by the L1 content hash and
// the metadata cascade's "first two pages" input.
func FirstPages(pages []string, n int) string {
	if n > len(pages) {
		n = len(pages)
	}
	return strings.Join(pages[:n], "\n")
}
