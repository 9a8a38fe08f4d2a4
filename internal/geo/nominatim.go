package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"routeopt/internal/model"
)

const defaultNominatimURL = "https://nominatim.openstreetmap.org"

// Nominatim resolves city/state pairs through the public Nominatim
// search endpoint. Requests are rate limited to one per second, the
// published usage policy for the hosted service.
type Nominatim struct {
	BaseURL   string
	UserAgent string
	HTTP      *http.Client
	limiter   *rate.Limiter
}

func NewNominatim(baseURL, userAgent string) *Nominatim {
	if baseURL == "" {
		baseURL = defaultNominatimURL
	}
	if userAgent == "" {
		userAgent = "routeopt/1.0"
	}
	return &Nominatim{
		BaseURL:   baseURL,
		UserAgent: userAgent,
		HTTP:      &http.Client{Timeout: 15 * time.Second},
		limiter:   rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

type nominatimHit struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

func (n *Nominatim) Resolve(ctx context.Context, loc model.Location) (float64, float64, error) {
	if err := n.limiter.Wait(ctx); err != nil {
		return 0, 0, err
	}
	q := url.Values{}
	q.Set("q", loc.City+", "+loc.State+", USA")
	q.Set("format", "jsonv2")
	q.Set("limit", "1")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.BaseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("User-Agent", n.UserAgent)

	resp, err := n.HTTP.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("nominatim: unexpected status %d for %q", resp.StatusCode, loc.Key())
	}
	var hits []nominatimHit
	if err := json.NewDecoder(resp.Body).Decode(&hits); err != nil {
		return 0, 0, fmt.Errorf("nominatim: decode: %w", err)
	}
	if len(hits) == 0 {
		return 0, 0, fmt.Errorf("nominatim: no results for %q", loc.Key())
	}
	lat, err := strconv.ParseFloat(hits[0].Lat, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("nominatim: bad lat %q", hits[0].Lat)
	}
	lng, err := strconv.ParseFloat(hits[0].Lon, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("nominatim: bad lon %q", hits[0].Lon)
	}
	return lat, lng, nil
}
