package render

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/funnelsmith/api/internal/model"
)

// Page geometry in PDF points (US Letter)
const (
	pageWidth    = 612
	pageHeight   = 792
	marginX      = 72
	marginTop    = 72
	lineHeight   = 16
	wrapColumn   = 84
	linesPerPage = (pageHeight - 2*marginTop) / lineHeight
)

// BuiltinEngine writes simple text PDFs in process. It is used when no
// render service is configured.
type BuiltinEngine struct {
	closed atomic.Bool
}

// NewBuiltinLauncher returns a Launcher for in-process engines
func NewBuiltinLauncher() Launcher {
	return func(context.Context) (Engine, error) {
		return &BuiltinEngine{}, nil
	}
}

// Render implements Engine
func (e *BuiltinEngine) Render(ctx context.Context, doc *model.Document) (*Artifact, error) {
	if e.closed.Load() {
		return nil, ErrDisconnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pages := paginate(layout(doc))
	return &Artifact{Data: writePDF(pages), Pages: len(pages)}, nil
}

// Connected implements Engine
func (e *BuiltinEngine) Connected() bool {
	return !e.closed.Load()
}

// Close implements Engine
func (e *BuiltinEngine) Close() error {
	e.closed.Store(true)
	return nil
}

type line struct {
	text string
	size int
}

// layout flattens the document into wrapped lines. A nil line forces a page break.
func layout(doc *model.Document) []*line {
	var out []*line
	add := func(text string, size int) {
		for _, l := range wrap(text, wrapColumn*12/size) {
			out = append(out, &line{text: l, size: size})
		}
	}
	blank := func() { out = append(out, &line{}) }

	add(doc.Title, 24)
	if doc.Subtitle != "" {
		add(doc.Subtitle, 14)
	}
	if doc.Category != "" {
		add("Category: "+doc.Category, 12)
	}

	for i, ch := range doc.Chapters {
		out = append(out, nil)
		add(fmt.Sprintf("Chapter %d: %s", i+1, ch.Title), 18)
		blank()
		if ch.Summary != "" {
			add(ch.Summary, 12)
			blank()
		}
		for _, sec := range ch.Sections {
			add(sec.Heading, 14)
			add(sec.Body, 12)
			blank()
		}
	}

	offers := []model.Offer{doc.Funnel.CoreOffer}
	offers = append(offers, doc.Funnel.AddOns...)
	offers = append(offers, doc.Funnel.Upgrade, doc.Funnel.Fallback)
	out = append(out, nil)
	add("Your Next Steps", 18)
	blank()
	for _, o := range offers {
		if o.Name == "" {
			continue
		}
		title := o.Name
		if o.Price != "" {
			title += " (" + o.Price + ")"
		}
		add(title, 14)
		add(o.Description, 12)
		for _, b := range o.Benefits {
			add("- "+b, 12)
		}
		blank()
	}
	return out
}

func paginate(lines []*line) [][]*line {
	var (
		pages   [][]*line
		current []*line
	)
	for _, l := range lines {
		if l == nil {
			if len(current) > 0 {
				pages = append(pages, current)
				current = nil
			}
			continue
		}
		if len(current) >= linesPerPage {
			pages = append(pages, current)
			current = nil
		}
		current = append(current, l)
	}
	if len(current) > 0 || len(pages) == 0 {
		pages = append(pages, current)
	}
	return pages
}

func wrap(text string, width int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	var (
		out []string
		cur strings.Builder
	)
	for _, w := range words {
		if cur.Len() > 0 && cur.Len()+1+len(w) > width {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
	}
	return append(out, cur.String())
}

// escapePDF makes s safe inside a PDF literal string using the standard
// Latin encoding; characters outside it are replaced.
func escapePDF(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '(' || r == ')' || r == '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case r > unicode.MaxASCII || r < ' ':
			b.WriteByte('?')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func pageStream(lines []*line) []byte {
	var b bytes.Buffer
	b.WriteString("BT\n")
	y := pageHeight - marginTop
	for _, l := range lines {
		if l.text != "" {
			font := "/F1"
			if l.size > 12 {
				font = "/F2"
			}
			fmt.Fprintf(&b, "%s %d Tf 1 0 0 1 %d %d Tm (%s) Tj\n", font, l.size, marginX, y, escapePDF(l.text))
		}
		y -= lineHeight
		if l.size > 14 {
			y -= lineHeight / 2
		}
	}
	b.WriteString("ET\n")
	return b.Bytes()
}

// writePDF emits a PDF 1.4 file with one content stream per page
func writePDF(pages [][]*line) []byte {
	var (
		buf     bytes.Buffer
		offsets []int
	)
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")

	// objects 1-4 are fixed; each page adds a page object and its stream
	const firstPage = 5
	kids := make([]string, len(pages))
	for i := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", firstPage+2*i)
	}

	obj("<< /Type /Catalog /Pages 2 0 R >>")
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), len(pages)))
	obj("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>")
	obj("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica-Bold >>")

	for i, p := range pages {
		stream := pageStream(p)
		obj(fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %d %d] /Resources << /Font << /F1 3 0 R /F2 4 0 R >> >> /Contents %d 0 R >>",
			pageWidth, pageHeight, firstPage+2*i+1))
		obj(fmt.Sprintf("<< /Length %d >>\nstream\n%sendstream", len(stream), stream))
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}
