// Package marketplace holds the seller stores, orders and customers derived from provider events.
package marketplace

import (
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
)

// StoreStatus is the lifecycle state of a seller store.
type StoreStatus string

const (
	StoreActive    StoreStatus = "active"
	StoreInactive  StoreStatus = "inactive"
	StoreSuspended StoreStatus = "suspended"
)

const (
	defaultStoreName = "Unnamed Store"
	defaultCountry   = "US"
)

// SellerInfo describes the business behind a store.
type SellerInfo struct {
	Name         string `json:"name"`
	Email        string `json:"email,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Country      string `json:"country"`
	Description  string `json:"description,omitempty"`
	BusinessType string `json:"business_type,omitempty"`
	URL          string `json:"url,omitempty"`
}

// StorePage is one navigable page of a storefront. Builders create pages with empty catalogs.
type StorePage struct {
	Slug     string   `json:"slug"`
	Title    string   `json:"title"`
	Path     string   `json:"path"`
	Products []string `json:"products"`
}

// PaymentMethods links a store to its connected account.
type PaymentMethods struct {
	StripeAccountID string `json:"stripe_account_id"`
	ChargesEnabled  bool   `json:"charges_enabled"`
	PayoutsEnabled  bool   `json:"payouts_enabled"`
}

// StoreSettings carries account level switches mirrored from the provider.
type StoreSettings struct {
	DefaultCurrency  string            `json:"default_currency,omitempty"`
	Capabilities     map[string]string `json:"capabilities"`
	DetailsSubmitted bool              `json:"details_submitted"`
}

// Store is keyed by the connected account id.
type Store struct {
	StoreID        string         `json:"store_id"`
	SellerInfo     SellerInfo     `json:"seller_info"`
	Pages          []StorePage    `json:"store_pages"`
	PaymentMethods PaymentMethods `json:"payment_methods"`
	Status         StoreStatus    `json:"status"`
	Settings       StoreSettings  `json:"settings"`
	LastEventID    string         `json:"last_event_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// DefaultPages returns the fixed storefront skeleton.
func DefaultPages() []StorePage {
	return []StorePage{
		{Slug: "home", Title: "Home", Path: "/", Products: []string{}},
		{Slug: "products", Title: "Products", Path: "/products", Products: []string{}},
		{Slug: "about", Title: "About", Path: "/about", Products: []string{}},
		{Slug: "contact", Title: "Contact", Path: "/contact", Products: []string{}},
	}
}

// BuildStore derives a new store from a connected account.
func BuildStore(acct *stripe.Account) Store {
	if acct == nil {
		acct = &stripe.Account{}
	}
	store := Store{
		StoreID: acct.ID,
		SellerInfo: SellerInfo{
			Name:         defaultStoreName,
			Email:        strings.TrimSpace(acct.Email),
			Phone:        accountPhone(acct),
			Country:      defaultCountry,
			BusinessType: string(acct.BusinessType),
		},
		Pages: DefaultPages(),
		PaymentMethods: PaymentMethods{
			StripeAccountID: acct.ID,
			ChargesEnabled:  acct.ChargesEnabled,
			PayoutsEnabled:  acct.PayoutsEnabled,
		},
		Status: StoreActive,
		Settings: StoreSettings{
			DefaultCurrency:  string(acct.DefaultCurrency),
			Capabilities:     capabilities(acct.Capabilities),
			DetailsSubmitted: acct.DetailsSubmitted,
		},
	}
	if country := strings.TrimSpace(acct.Country); country != "" {
		store.SellerInfo.Country = strings.ToUpper(country)
	}
	if bp := acct.BusinessProfile; bp != nil {
		if name := strings.TrimSpace(bp.Name); name != "" {
			store.SellerInfo.Name = name
		}
		store.SellerInfo.Description = strings.TrimSpace(bp.ProductDescription)
		store.SellerInfo.URL = strings.TrimSpace(bp.URL)
	}
	return store
}

// SyncStore applies an account update to an existing store. Name, email and phone only change when the
// account carries a value; capabilities are replaced wholesale. Pages and status are left alone unless the
// provider disabled the account.
func SyncStore(existing Store, acct *stripe.Account) Store {
	out := existing
	if acct == nil {
		return out
	}
	if bp := acct.BusinessProfile; bp != nil {
		if name := strings.TrimSpace(bp.Name); name != "" {
			out.SellerInfo.Name = name
		}
		if desc := strings.TrimSpace(bp.ProductDescription); desc != "" {
			out.SellerInfo.Description = desc
		}
	}
	if email := strings.TrimSpace(acct.Email); email != "" {
		out.SellerInfo.Email = email
	}
	if phone := accountPhone(acct); phone != "" {
		out.SellerInfo.Phone = phone
	}
	out.Settings.Capabilities = capabilities(acct.Capabilities)
	out.Settings.DetailsSubmitted = acct.DetailsSubmitted
	if cur := string(acct.DefaultCurrency); cur != "" {
		out.Settings.DefaultCurrency = cur
	}
	out.PaymentMethods.ChargesEnabled = acct.ChargesEnabled
	out.PaymentMethods.PayoutsEnabled = acct.PayoutsEnabled

	disabled := acct.Requirements != nil && acct.Requirements.DisabledReason != ""
	switch {
	case disabled && out.Status == StoreActive:
		out.Status = StoreSuspended
	case !disabled && out.Status == StoreSuspended:
		out.Status = StoreActive
	}
	return out
}

func accountPhone(acct *stripe.Account) string {
	if acct.BusinessProfile != nil {
		if phone := strings.TrimSpace(acct.BusinessProfile.SupportPhone); phone != "" {
			return phone
		}
	}
	if acct.Company != nil {
		if phone := strings.TrimSpace(acct.Company.Phone); phone != "" {
			return phone
		}
	}
	if acct.Individual != nil {
		return strings.TrimSpace(acct.Individual.Phone)
	}
	return ""
}

func capabilities(c *stripe.AccountCapabilities) map[string]string {
	out := map[string]string{}
	if c == nil {
		return out
	}
	if c.CardPayments != "" {
		out["card_payments"] = string(c.CardPayments)
	}
	if c.Transfers != "" {
		out["transfers"] = string(c.Transfers)
	}
	return out
}
