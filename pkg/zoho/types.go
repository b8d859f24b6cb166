package zoho

// Customer is one contact record of the accounting system's customer master.
type Customer struct {
	ContactID   string `json:"contact_id"`
	ContactName string `json:"contact_name"`
	CompanyName string `json:"company_name,omitempty"`
	TaxID       string `json:"tax_id,omitempty"`
	Status      string `json:"status,omitempty"`
}

// Item is one record of the item master.
type Item struct {
	ItemID string  `json:"item_id"`
	Name   string  `json:"name"`
	SKU    string  `json:"sku,omitempty"`
	EAN    string  `json:"ean,omitempty"` // GTIN barcode
	Rate   float64 `json:"rate,omitempty"`
	Status string  `json:"status,omitempty"`
}

// SalesOrderLine is one line of a draft sales order payload.
type SalesOrderLine struct {
	ItemID   string  `json:"item_id"`
	Name     string  `json:"name,omitempty"`
	Quantity float64 `json:"quantity"`
	Rate     float64 `json:"rate,omitempty"`
}

// SalesOrder is the create-salesorder request payload. Status is always
// "draft"; this system never confirms orders on its own.
type SalesOrder struct {
	CustomerID      string           `json:"customer_id"`
	Date            string           `json:"date,omitempty"` // YYYY-MM-DD
	ReferenceNumber string           `json:"reference_number,omitempty"`
	LineItems       []SalesOrderLine `json:"line_items"`
	Status          string           `json:"status"`
	Notes           string           `json:"notes,omitempty"`
}

// SalesOrderResult identifies a created draft.
type SalesOrderResult struct {
	SalesOrderID     string `json:"salesorder_id"`
	SalesOrderNumber string `json:"salesorder_number"`
}
