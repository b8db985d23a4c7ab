package pdf

import "context"

// Document carries the display-ready fields for one invoice PDF. Amount
// formatting happens before this point; the renderer never does arithmetic.
type Document struct {
	ClinicName    string
	ClinicAddress string
	ClinicEmail   string

	InvoiceNumber string
	IssueDate     string
	Status        string

	PatientName string

	Items []DocumentItem

	Subtotal  string
	TaxTotal  string
	Total     string
	AmountDue string
	Currency  string
}

type DocumentItem struct {
	Label     string
	Qty       int64
	UnitPrice string
	TaxRate   string
	Amount    string
}

type Renderer interface {
	RenderInvoice(ctx context.Context, doc Document) ([]byte, error)
}

type NoOpRenderer struct{}

func (NoOpRenderer) RenderInvoice(ctx context.Context, doc Document) ([]byte, error) {
	return nil, nil
}
