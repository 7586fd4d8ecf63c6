package model

// Item is an immutable thing a user can view or purchase.
type Item struct {
	ID        string  `json:"item_id"`
	UnitPrice float64 `json:"unit_price"`
	Currency  string  `json:"currency"`
	Category  string  `json:"category"`
}

// RecoItem is a single scored recommendation.
type RecoItem struct {
	ItemID string  `json:"item_id" cbor:"1,keyasint"`
	Name   string  `json:"name,omitempty" cbor:"2,keyasint,omitempty"`
	Score  float64 `json:"score" cbor:"3,keyasint"`
	Index  int     `json:"index" cbor:"4,keyasint"`
}
