/*
Package remote reads prices and the conversion rate from an external catalog service.

PURPOSE:
  Lets the engine run against a catalog owned by another service instead of
  the local products/settings tables.

ENDPOINTS:
  GET {base}/products/{id}              -> {"id": "...", "price": "10"}
  GET {base}/settings/conversion-rate   -> {"beans_per_gold": "50"}

  404 means not found. Prices may be JSON strings or numbers; they are parsed
  from the raw token so no precision is lost through float64.

SEE ALSO:
  - cache: Wrap a Client to avoid a round trip per operation
*/
package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/warp/economy-engine/economy"
)

// Client implements economy.Catalog and economy.Settings over HTTP.
type Client struct {
	http *resty.Client
}

// NewClient creates a client for the catalog service at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(100*time.Millisecond).
		SetHeader("Accept", "application/json")
	c.AddRetryCondition(func(r *resty.Response, err error) bool {
		return err != nil || r.StatusCode() >= http.StatusInternalServerError
	})
	return &Client{http: c}
}

func (c *Client) GetPrice(ctx context.Context, productID economy.ProductID) (decimal.Decimal, bool, error) {
	body, found, err := c.fetch(ctx, "/products/"+url.PathEscape(string(productID)))
	if err != nil || !found {
		return decimal.Zero, found, err
	}
	price, err := decimalField(body, "price")
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("product %s: %w", productID, err)
	}
	return price, true, nil
}

func (c *Client) GetConversionRate(ctx context.Context) (economy.ConversionRate, bool, error) {
	body, found, err := c.fetch(ctx, "/settings/conversion-rate")
	if err != nil || !found {
		return economy.ConversionRate{}, found, err
	}
	rate, err := decimalField(body, "beans_per_gold")
	if err != nil {
		return economy.ConversionRate{}, false, fmt.Errorf("conversion rate: %w", err)
	}
	return economy.ConversionRate{BeansPerGold: rate}, true, nil
}

func (c *Client) fetch(ctx context.Context, path string) ([]byte, bool, error) {
	resp, err := c.http.R().SetContext(ctx).Get(path)
	if err != nil {
		return nil, false, fmt.Errorf("catalog request %s: %w", path, err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return nil, false, nil
	case resp.IsError():
		return nil, false, fmt.Errorf("catalog request %s: unexpected status %d", path, resp.StatusCode())
	}
	return resp.Body(), true, nil
}

func decimalField(body []byte, field string) (decimal.Decimal, error) {
	v := gjson.GetBytes(body, field)
	if !v.Exists() {
		return decimal.Zero, fmt.Errorf("response has no %q field", field)
	}
	raw := v.Str
	if v.Type == gjson.Number {
		raw = v.Raw
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %q value %s: %w", field, v.Raw, err)
	}
	return d, nil
}
