package domain

import (
	"encoding/json"
	"fmt"
)

// ID is an opaque product identifier. The catalog endpoints are not
// consistent about whether ids arrive as JSON numbers or strings, so both
// decode into the same value.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = ID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("product id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// CartLineItem is one row in the cart. Extra carries display-only fields
// (image, per-unit label, ...) opaquely; they never participate in identity.
type CartLineItem struct {
	ProductID ID             `json:"productId"`
	Name      string         `json:"name"`
	Price     float64        `json:"price"`
	Quantity  int            `json:"quantity"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// Key returns the composite identity of a line item. Two entries are the
// same cart row iff both product id and name match: ids are not globally
// unique across the catalog's list endpoints, the name disambiguates.
func (i CartLineItem) Key() string {
	return string(i.ProductID) + ":" + i.Name
}

type Cart struct {
	Items []CartLineItem `json:"items"`
}

// TotalItems is the sum of all line quantities.
func (c Cart) TotalItems() int {
	total := 0
	for _, it := range c.Items {
		total += it.Quantity
	}
	return total
}

// TotalAmount is the sum of price * quantity over all lines.
func (c Cart) TotalAmount() float64 {
	total := 0.0
	for _, it := range c.Items {
		total += it.Price * float64(it.Quantity)
	}
	return total
}
