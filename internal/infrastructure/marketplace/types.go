package marketplace

import (
	"github.com/shopspring/decimal"
)

// TokenResponse is the token endpoint envelope for both the authorization-code
// exchange and the refresh grant.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	UserID       int64  `json:"user_id"`
	RefreshToken string `json:"refresh_token"`
}

// TokenErrorResponse is the token endpoint error envelope
type TokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Status           int    `json:"status"`
}

// Question is a buyer question as returned by the questions endpoint
type Question struct {
	ID          int64  `json:"id"`
	Text        string `json:"text"`
	Status      string `json:"status"`
	ItemID      string `json:"item_id"`
	SellerID    int64  `json:"seller_id"`
	DateCreated string `json:"date_created"`
	From        struct {
		ID int64 `json:"id"`
	} `json:"from"`
}

// Item is the subset of listing fields used for question enrichment
type Item struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	Price      decimal.Decimal `json:"price"`
	CurrencyID string          `json:"currency_id"`
	Status     string          `json:"status"`
	Permalink  string          `json:"permalink"`
}

// Claim is the subset of dispute fields recorded for operator attention
type Claim struct {
	ID         int64  `json:"id"`
	Type       string `json:"type"`
	Stage      string `json:"stage"`
	Status     string `json:"status"`
	Reason     string `json:"reason_id"`
	ResourceID int64  `json:"resource_id"`
}

// apiError is the generic resource-endpoint error envelope
type apiError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Status  int    `json:"status"`
}
