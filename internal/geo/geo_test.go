package geo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPLocator(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Query().Get("fields") != lookupFields {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/json/81.2.69.142":
			json.NewEncoder(w).Encode(map[string]string{
				"status": "success", "country": "United Kingdom", "countryCode": "GB",
				"regionName": "England", "city": "London",
			})
		case "/json/10.0.0.1":
			json.NewEncoder(w).Encode(map[string]string{"status": "fail", "message": "private range"})
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	loc, err := NewHTTPLocator(srv.URL+"/", time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	region, err := loc.Region(ctx, "81.2.69.142")
	require.NoError(t, err)
	require.Equal(t, "London, England, GB", region)

	region, err = loc.Region(ctx, "81.2.69.142")
	require.NoError(t, err)
	require.Equal(t, "London, England, GB", region)
	require.EqualValues(t, 1, calls.Load(), "second lookup should be cached")

	_, err = loc.Region(ctx, "10.0.0.1")
	require.ErrorContains(t, err, "private range")

	_, err = loc.Region(ctx, "8.8.8.8")
	require.ErrorContains(t, err, "500")

	_, err = loc.Region(ctx, "not-an-ip")
	require.Error(t, err)
	require.EqualValues(t, 3, calls.Load())
}

func TestLookupResponseRegion(t *testing.T) {
	require.Equal(t, "Germany", lookupResponse{Country: "Germany"}.Region())
	require.Equal(t, "Bavaria, DE", lookupResponse{RegionName: "Bavaria", Country: "Germany", CountryCode: "DE"}.Region())
	require.Empty(t, lookupResponse{}.Region())
}

func TestNewHTTPLocator_RequiresURL(t *testing.T) {
	_, err := NewHTTPLocator("", time.Second)
	require.Error(t, err)
}
