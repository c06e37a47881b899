package taskbody

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"

	"blueprintr/extraction-service/internal/classify"
)

// PDFResult is the output of a PDF extraction run.
type PDFResult struct {
	Pages     int        `json:"pages"`
	LineItems []LineItem `json:"line_items"`
	Text      string     `json:"text,omitempty"`
}

// LineItem is one tabular row recognized in the document.
type LineItem struct {
	Page int    `json:"page"`
	Ref  string `json:"ref"`
	Text string `json:"text"`
}

// pdfOptions are the caller-supplied knobs the PDF body understands.
type pdfOptions struct {
	IncludeText bool `json:"include_text"`
}

// itemRow matches schedule-style rows: a short reference code followed by a
// description (e.g. "D-101 Door, hollow metal, 3070").
var itemRow = regexp.MustCompile(`^([A-Z]{1,4}-?\d{1,4})\s+(.{3,})$`)

// PDF extracts text and schedule line items from a PDF drawing set.
type PDF struct{}

// NewPDF creates the PDF task body.
func NewPDF() *PDF { return &PDF{} }

var _ TaskBody = (*PDF)(nil)

func (p *PDF) Execute(ctx context.Context, in Input, report ProgressFunc) (json.RawMessage, error) {
	var opts pdfOptions
	if len(in.Options) > 0 {
		if err := json.Unmarshal(in.Options, &opts); err != nil {
			return nil, classify.Permanent(fmt.Errorf("decode pdf options: %w", err))
		}
	}

	// A missing file stays unclassified: the storage volume may simply not
	// have caught up yet, and the default-retryable bias gives it a chance.
	f, r, err := pdf.Open(in.Ref)
	if err != nil {
		if strings.Contains(err.Error(), "not a PDF file") || strings.Contains(err.Error(), "malformed") {
			return nil, classify.Permanent(fmt.Errorf("%w: %v", classify.ErrCorruptFile, err))
		}
		return nil, fmt.Errorf("open %s: %w", in.Ref, err)
	}
	defer f.Close()

	totalPages := r.NumPage()
	result := PDFResult{Pages: totalPages}
	var text strings.Builder

	for pageIndex := 1; pageIndex <= totalPages; pageIndex++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page := r.Page(pageIndex)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			return nil, classify.Permanent(fmt.Errorf("%w: page %d: %v", classify.ErrCorruptFile, pageIndex, err))
		}

		for _, line := range strings.Split(content, "\n") {
			line = strings.TrimSpace(line)
			if m := itemRow.FindStringSubmatch(line); m != nil {
				result.LineItems = append(result.LineItems, LineItem{
					Page: pageIndex,
					Ref:  m[1],
					Text: strings.TrimSpace(m[2]),
				})
			}
		}
		if opts.IncludeText {
			text.WriteString(content)
			text.WriteString("\n")
		}

		report(pageIndex * 100 / totalPages)
	}

	if opts.IncludeText {
		result.Text = text.String()
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode pdf result: %w", err)
	}
	return encoded, nil
}
