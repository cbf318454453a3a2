package square

import (
	"context"
	"strings"

	sq "github.com/square/square-go-sdk"
)

// CustomerSearchParams scopes the fields used to find an existing Square customer.
type CustomerSearchParams struct {
	ReferenceID string
	Email       string
}

// SearchCustomer returns the first customer matching the filters, or nil.
// The reference id wins over email when both are given.
func (c *Client) SearchCustomer(ctx context.Context, params CustomerSearchParams) (*Customer, error) {
	if c == nil {
		return nil, errAccessTokenRequired
	}
	filter := &sq.CustomerFilter{}
	switch {
	case strings.TrimSpace(params.ReferenceID) != "":
		filter.ReferenceID = &sq.CustomerTextFilter{Exact: optional(params.ReferenceID)}
	case strings.TrimSpace(params.Email) != "":
		filter.EmailAddress = &sq.CustomerTextFilter{Exact: optional(params.Email)}
	default:
		return nil, nil
	}

	limit := int64(1)
	req := &sq.SearchCustomersRequest{
		Query: &sq.CustomerQuery{Filter: filter},
		Limit: &limit,
	}
	c.log(ctx, "request", "search_customer", map[string]any{
		"reference_id": params.ReferenceID,
		"email":        params.Email,
	})

	resp, err := c.sdk.Customers.Search(ctx, req)
	if err != nil {
		c.log(ctx, "error", "search_customer", map[string]any{"error": err.Error()})
		return nil, c.mapSquareError(err, "search customer")
	}

	customers := resp.GetCustomers()
	if len(customers) == 0 || customers[0] == nil {
		c.log(ctx, "response", "search_customer", map[string]any{"found": false})
		return nil, nil
	}
	id := stringValue(customers[0].GetID())
	c.log(ctx, "response", "search_customer", map[string]any{"customer_id": id})
	return &Customer{ID: id}, nil
}

// EnsureCustomer returns the customer with the same reference, creating it
// when Square has none.
func (c *Client) EnsureCustomer(ctx context.Context, params CustomerCreateParams) (*Customer, error) {
	if c == nil {
		return nil, errAccessTokenRequired
	}
	existing, err := c.SearchCustomer(ctx, CustomerSearchParams{
		ReferenceID: params.ReferenceID,
		Email:       params.Email,
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	return c.CreateCustomer(ctx, params)
}
