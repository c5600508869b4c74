package documents

import "github.com/mbd888/escrowsync/internal/apperr"

// SubAccount is one balance slot under an asset.
type SubAccount struct {
	Name           string `json:"name"`
	SubAccountID   string `json:"sub_account_id"`
	Address        string `json:"address"`
	Amount         string `json:"amount"`
	CurrencyAmount string `json:"currency_amount"`
	TransactionFee string `json:"transaction_fee"`
	Decimal        int    `json:"decimal"`
	Symbol         string `json:"symbol"`
}

// Asset is a token the wallet tracks, keyed by ledger address.
type Asset struct {
	Meta
	Address            string       `json:"address"`
	Name               string       `json:"name"`
	Symbol             string       `json:"symbol"`
	TokenName          string       `json:"tokenName"`
	TokenSymbol        string       `json:"tokenSymbol"`
	Logo               string       `json:"logo"`
	Index              string       `json:"index"`
	SortIndex          int          `json:"sortIndex"`
	Decimal            string       `json:"decimal"`
	ShortDecimal       string       `json:"shortDecimal"`
	SupportedStandards []string     `json:"supportedStandards"`
	SubAccounts        []SubAccount `json:"subAccounts"`
}

func (a Asset) DocID() string { return a.Address }

func (a Asset) WithMeta(updatedAt int64, deleted bool) Asset {
	a.UpdatedAt, a.Deleted = updatedAt, deleted
	return a
}

func (a Asset) Validate() error {
	if a.Address == "" {
		return apperr.Invalid("address", "required")
	}
	if a.TokenSymbol == "" {
		return apperr.Invalid("tokenSymbol", "required")
	}
	return nil
}

// ContactAccount is a sub-account of a saved contact.
type ContactAccount struct {
	Name         string `json:"name"`
	Subaccount   string `json:"subaccount"`
	SubaccountID string `json:"subaccountId"`
	TokenSymbol  string `json:"tokenSymbol"`
}

// Contact is an address-book entry keyed by principal.
type Contact struct {
	Meta
	Principal         string           `json:"principal"`
	Name              string           `json:"name"`
	AccountIdentifier string           `json:"accountIdentifier"`
	Accounts          []ContactAccount `json:"accounts"`
}

func (c Contact) DocID() string { return c.Principal }

func (c Contact) WithMeta(updatedAt int64, deleted bool) Contact {
	c.UpdatedAt, c.Deleted = updatedAt, deleted
	return c
}

func (c Contact) Validate() error {
	if c.Principal == "" {
		return apperr.Invalid("principal", "required")
	}
	return nil
}

// AllowanceAsset is the token snapshot stored with an allowance.
type AllowanceAsset struct {
	Address            string   `json:"address"`
	Name               string   `json:"name"`
	Symbol             string   `json:"symbol"`
	TokenName          string   `json:"tokenName"`
	TokenSymbol        string   `json:"tokenSymbol"`
	Logo               string   `json:"logo"`
	Decimal            string   `json:"decimal"`
	SupportedStandards []string `json:"supportedStandards"`
}

// Allowance grants a spender access to a sub-account's balance.
type Allowance struct {
	Meta
	ID           string         `json:"id"`
	SubAccountID string         `json:"subAccountId"`
	Spender      string         `json:"spender"`
	Asset        AllowanceAsset `json:"asset"`
}

func (a Allowance) DocID() string { return a.ID }

func (a Allowance) WithMeta(updatedAt int64, deleted bool) Allowance {
	a.UpdatedAt, a.Deleted = updatedAt, deleted
	return a
}

func (a Allowance) Validate() error {
	if a.ID == "" {
		return apperr.Invalid("id", "required")
	}
	if a.Spender == "" {
		return apperr.Invalid("spender", "required")
	}
	return nil
}
