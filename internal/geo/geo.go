// Package geo turns caller IPs into coarse region strings for the attempt ledger.
package geo

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultCacheSize = 4096
	DefaultCacheTTL  = time.Hour

	lookupFields = "status,message,country,countryCode,regionName,city"
)

// HTTPLocator queries an ip-api compatible endpoint: GET {base}/json/{ip}.
// Successful lookups are cached; failures are not.
type HTTPLocator struct {
	client *resty.Client
	cache  *expirable.LRU[string, string]
}

// NewHTTPLocator returns a locator for baseURL. timeout bounds each HTTP call.
func NewHTTPLocator(baseURL string, timeout time.Duration) (*HTTPLocator, error) {
	if baseURL == "" {
		return nil, errors.New("geo url is required")
	}
	return &HTTPLocator{
		client: resty.New().SetBaseURL(strings.TrimRight(baseURL, "/")).SetTimeout(timeout),
		cache:  expirable.NewLRU[string, string](DefaultCacheSize, nil, DefaultCacheTTL),
	}, nil
}

type lookupResponse struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	Country     string `json:"country"`
	CountryCode string `json:"countryCode"`
	RegionName  string `json:"regionName"`
	City        string `json:"city"`
}

// Region formats as "City, Region, CC". Missing parts are skipped.
func (r lookupResponse) Region() string {
	country := r.CountryCode
	if country == "" {
		country = r.Country
	}
	var parts []string
	for _, p := range []string{r.City, r.RegionName, country} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

func (l *HTTPLocator) Region(ctx context.Context, ip string) (string, error) {
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("not an ip address: %q", ip)
	}
	if region, ok := l.cache.Get(ip); ok {
		return region, nil
	}
	var out lookupResponse
	resp, err := l.client.R().
		SetContext(ctx).
		SetPathParam("ip", ip).
		SetQueryParam("fields", lookupFields).
		SetResult(&out).
		Get("/json/{ip}")
	if err != nil {
		return "", fmt.Errorf("geo lookup %s: %w", ip, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("geo lookup %s: %s", ip, resp.Status())
	}
	if out.Status != "" && out.Status != "success" {
		return "", fmt.Errorf("geo lookup %s: %s", ip, out.Message)
	}
	region := out.Region()
	l.cache.Add(ip, region)
	return region, nil
}
