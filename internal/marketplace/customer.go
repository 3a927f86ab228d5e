package marketplace

import (
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
)

// Address is a postal address copied from the provider.
type Address struct {
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

// Customer is keyed by the provider customer id.
type Customer struct {
	CustomerID  string            `json:"customer_id"`
	StoreID     string            `json:"store_id"`
	Email       string            `json:"email,omitempty"`
	Name        string            `json:"name,omitempty"`
	Phone       string            `json:"phone,omitempty"`
	Address     *Address          `json:"address,omitempty"`
	Metadata    map[string]string `json:"metadata"`
	LastEventID string            `json:"last_event_id"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// BuildCustomer maps a provider customer onto the marketplace record owned by storeID.
func BuildCustomer(c *stripe.Customer, storeID string) Customer {
	out := Customer{StoreID: storeID, Metadata: map[string]string{}}
	if c == nil {
		return out
	}
	out.CustomerID = c.ID
	out.Email = strings.TrimSpace(c.Email)
	out.Name = strings.TrimSpace(c.Name)
	out.Phone = strings.TrimSpace(c.Phone)
	for k, v := range c.Metadata {
		out.Metadata[k] = v
	}
	if a := c.Address; a != nil && (a.Line1 != "" || a.City != "" || a.Country != "") {
		out.Address = &Address{
			Line1:      a.Line1,
			Line2:      a.Line2,
			City:       a.City,
			State:      a.State,
			PostalCode: a.PostalCode,
			Country:    a.Country,
		}
	}
	return out
}
