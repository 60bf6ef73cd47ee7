package ebook

import (
	"bytes"
	"fmt"

	"github.com/jung-kurt/gofpdf"

	"github.com/hyperifyio/kindlesender/internal/article"
)

var pdfImageTypes = map[string]string{
	"image/jpeg": "JPG",
	"image/png":  "PNG",
	"image/gif":  "GIF",
}

// renderPDF lays the article out on A4 pages with the core fonts. It keeps
// the block structure (headings, lists, quotes, code) and embeds the
// images gofpdf can decode; the rest are dropped with a warning.
func renderPDF(a article.Article, pkg *Package, images map[*article.Image]*article.Image) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(pkg.Title, true)
	pdf.SetAuthor(pkg.Author, true)
	pdf.SetSubject(a.URL, true)
	pdf.SetCreator("kindlesender", true)
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()

	left, _, right, _ := pdf.GetMargins()
	pageW, _ := pdf.GetPageSize()
	width := pageW - left - right

	pdf.SetFont("Helvetica", "B", 18)
	pdf.MultiCell(0, 9, tr(pkg.Title), "", "L", false)
	if pkg.Author != "" {
		pdf.SetFont("Helvetica", "I", 11)
		pdf.MultiCell(0, 6, tr(pkg.Author), "", "L", false)
	}
	pdf.Ln(4)

	n := 0
	for _, blk := range a.Blocks {
		switch blk.Kind {
		case article.KindHeading:
			size := 15.0
			if blk.Level >= 3 {
				size = 12.5
			}
			pdf.SetFont("Helvetica", "B", size)
			pdf.MultiCell(0, 7, tr(blk.Text()), "", "L", false)
			pdf.Ln(1)
		case article.KindParagraph:
			pdf.SetFont("Helvetica", "", 11)
			pdf.MultiCell(0, 5.5, tr(blk.Text()), "", "J", false)
			pdf.Ln(2.5)
		case article.KindQuote:
			pdf.SetFont("Helvetica", "I", 11)
			pdf.SetLeftMargin(left + 8)
			pdf.SetX(left + 8)
			pdf.MultiCell(width-16, 5.5, tr(blk.Text()), "", "L", false)
			pdf.SetLeftMargin(left)
			pdf.Ln(2.5)
		case article.KindCode:
			pdf.SetFont("Courier", "", 9)
			pdf.MultiCell(0, 4.5, tr(blk.HTML), "", "L", false)
			pdf.Ln(2.5)
		case article.KindList:
			pdf.SetFont("Helvetica", "", 11)
			for i, it := range blk.Items {
				marker := "• "
				if blk.Ordered {
					marker = fmt.Sprintf("%d. ", i+1)
				}
				pdf.MultiCell(0, 5.5, tr(marker+article.StripTags(it)), "", "L", false)
			}
			pdf.Ln(2.5)
		case article.KindImage:
			img, ok := images[blk.Image]
			if !ok {
				continue
			}
			typ, ok := pdfImageTypes[img.MediaType]
			if !ok {
				pkg.Warnings = append(pkg.Warnings, fmt.Sprintf("dropped image %s: %s is not supported in PDF", img.Src, img.MediaType))
				continue
			}
			n++
			name := fmt.Sprintf("image%03d", n)
			opts := gofpdf.ImageOptions{ImageType: typ, ReadDpi: true}
			info := pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(img.Data))
			if pdf.Err() || info == nil || info.Width() <= 0 {
				pkg.Warnings = append(pkg.Warnings, fmt.Sprintf("dropped image %s: %v", img.Src, pdf.Error()))
				pdf.ClearError()
				continue
			}
			w := info.Width()
			if w > width {
				w = width
			}
			pdf.ImageOptions(name, left+(width-w)/2, -1, w, 0, true, opts, 0, "")
			pdf.Ln(3)
		}
	}

	if a.URL != "" {
		pdf.Ln(4)
		pdf.SetFont("Helvetica", "I", 9)
		pdf.WriteLinkString(5, tr("Source: "+a.URL), a.URL)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	return buf.Bytes(), nil
}
