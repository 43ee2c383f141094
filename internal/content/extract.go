package content

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/sempervigil/sempervigil/internal/model"
)

const excerptLimit = 2048

// Extracted is the readable form of an article page.
type Extracted struct {
	Text        string
	HTMLExcerpt string
}

// Extract pulls readable text out of an article page. It prefers an
// <article> or <main> region, drops chrome elements, and joins block
// text. The excerpt keeps a slice of the selected region's HTML for
// debugging bad extractions.
func Extract(body []byte) (Extracted, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Extracted{}, model.Errf(model.KindPermanent, "parse article html: %v", err)
	}

	doc.Find("script, style, noscript, iframe, nav, header, footer, aside, form").Remove()

	region := doc.Find("article").First()
	if region.Length() == 0 {
		region = doc.Find("main").First()
	}
	if region.Length() == 0 {
		region = doc.Find("body").First()
	}
	if region.Length() == 0 {
		return Extracted{}, model.Errf(model.KindPermanent, "article html has no body")
	}

	var blocks []string
	region.Find("p, li, h1, h2, h3, blockquote, pre").Each(func(_ int, sel *goquery.Selection) {
		text := strings.TrimSpace(sel.Text())
		if text != "" {
			blocks = append(blocks, text)
		}
	})
	text := strings.Join(blocks, "\n\n")
	if text == "" {
		text = strings.TrimSpace(region.Text())
	}

	excerptHTML, err := goquery.OuterHtml(region)
	if err != nil {
		excerptHTML = ""
	}
	if len(excerptHTML) > excerptLimit {
		excerptHTML = excerptHTML[:excerptLimit]
	}

	return Extracted{Text: text, HTMLExcerpt: excerptHTML}, nil
}
