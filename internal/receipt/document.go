// Package receipt renders payment receipts and generates their folios.
package receipt

import (
	"bytes"
	"fmt"
	"time"

	"offer-service/internal/models"
	"offer-service/internal/payment"

	"github.com/go-pdf/fpdf"
)

// ContentType of rendered documents.
const ContentType = "application/pdf"

// Details is the context printed next to the amounts.
type Details struct {
	Title          string
	ClientID       string
	ProfessionalID string
	PaidAt         time.Time
}

// Renderer turns a receipt into a PDF document.
type Renderer struct {
	Issuer string
}

func NewRenderer(issuer string) *Renderer {
	return &Renderer{Issuer: issuer}
}

// Render builds the receipt PDF.
func (r *Renderer) Render(rc *models.Receipt, d Details) ([]byte, error) {
	if rc == nil {
		return nil, fmt.Errorf("render receipt: nil receipt")
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Receipt "+rc.Folio, false)
	pdf.SetAuthor(r.Issuer, false)
	pdf.SetCreationDate(d.PaidAt)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, r.Issuer)
	pdf.Ln(12)

	pdf.SetFont("Helvetica", "", 11)
	header := [][2]string{
		{"Folio", rc.Folio},
		{"Date", d.PaidAt.UTC().Format("2006-01-02 15:04 MST")},
		{"Service", d.Title},
		{"Session", rc.CheckoutSessionID},
	}
	if d.ClientID != "" {
		header = append(header, [2]string{"Client", d.ClientID})
	}
	if d.ProfessionalID != "" {
		header = append(header, [2]string{"Professional", d.ProfessionalID})
	}
	for _, row := range header {
		pdf.CellFormat(40, 7, row[0], "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 7, row[1], "", 1, "L", false, 0, "")
	}
	pdf.Ln(6)

	lines := [][2]string{
		{"Service", formatMinor(rc.ServiceAmount, rc.Currency)},
		{"Platform commission", formatMinor(rc.CommissionAmount, rc.Currency)},
		{"Tax on commission", formatMinor(rc.TaxAmount, rc.Currency)},
	}
	pdf.SetFillColor(240, 240, 240)
	for _, l := range lines {
		pdf.CellFormat(120, 8, l[0], "B", 0, "L", false, 0, "")
		pdf.CellFormat(50, 8, l[1], "B", 1, "R", false, 0, "")
	}
	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(120, 10, "Total", "", 0, "L", true, 0, "")
	pdf.CellFormat(50, 10, formatMinor(rc.TotalAmount, rc.Currency), "", 1, "R", true, 0, "")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render receipt %s: %w", rc.Folio, err)
	}
	return buf.Bytes(), nil
}

// ObjectPath is where a receipt document is stored.
func ObjectPath(rc *models.Receipt) string {
	return fmt.Sprintf("receipts/%s/%s.pdf", rc.CreatedAt.UTC().Format("2006/01"), rc.Folio)
}

func formatMinor(minor int64, currency string) string {
	return fmt.Sprintf("%s %s", payment.FromMinorUnits(minor).StringFixed(2), currency)
}
