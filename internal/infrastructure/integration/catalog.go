package integration

import (
	"context"
	"net/http"
	"net/url"

	"github.com/salesflow/backend/internal/domain/sales"
	"github.com/shopspring/decimal"
)

// CatalogClient searches the product catalog
type CatalogClient struct {
	client *Client
}

// NewCatalogClient creates a catalog adapter
func NewCatalogClient(client *Client) *CatalogClient {
	return &CatalogClient{client: client}
}

type catalogSearchResponse struct {
	Items []sales.CatalogItem `json:"items"`
}

// Search implements sales.CatalogLookup
func (c *CatalogClient) Search(ctx context.Context, query string, maxPrice *decimal.Decimal) ([]sales.CatalogItem, error) {
	params := url.Values{"q": {query}}
	if maxPrice != nil {
		params.Set("max_price", maxPrice.String())
	}

	var resp catalogSearchResponse
	err := c.client.Do(ctx, Request{
		Method:    http.MethodGet,
		Path:      "/items/search?" + params.Encode(),
		Operation: "search",
	}, &resp)
	if err != nil {
		return nil, err
	}

	// the catalog may ignore max_price, so the budget is enforced here too
	items := resp.Items[:0]
	for _, it := range resp.Items {
		if it.ItemID == "" || it.Price.IsNegative() {
			continue
		}
		if maxPrice != nil && it.Price.GreaterThan(*maxPrice) {
			continue
		}
		items = append(items, it)
	}
	return items, nil
}

var _ sales.CatalogLookup = (*CatalogClient)(nil)
