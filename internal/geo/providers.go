package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 2 * time.Second

// IPAPIProvider looks addresses up via ip-api.com. The free tier answers
// plain HTTP only.
type IPAPIProvider struct {
	baseURL string
	client  *http.Client
}

// NewIPAPIProvider creates an ip-api.com provider. An empty baseURL uses
// the public endpoint.
func NewIPAPIProvider(baseURL string, timeout time.Duration) *IPAPIProvider {
	if baseURL == "" {
		baseURL = "http://ip-api.com"
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &IPAPIProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *IPAPIProvider) Name() string { return "ip-api.com" }

func (p *IPAPIProvider) Lookup(ctx context.Context, ip string) (*Location, error) {
	if net.ParseIP(ip) == nil {
		return nil, fmt.Errorf("invalid IP: %s", ip)
	}

	url := fmt.Sprintf("%s/json/%s?fields=status,country,regionName,city,isp,lat,lon", p.baseURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ip-api request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ip-api status %d", resp.StatusCode)
	}

	var body struct {
		Status     string  `json:"status"`
		Country    string  `json:"country"`
		RegionName string  `json:"regionName"`
		City       string  `json:"city"`
		ISP        string  `json:"isp"`
		Lat        float64 `json:"lat"`
		Lon        float64 `json:"lon"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("ip-api decode: %w", err)
	}
	if body.Status != "success" {
		return nil, fmt.Errorf("ip-api lookup failed for %s", ip)
	}

	return &Location{
		IP:        ip,
		Country:   body.Country,
		Region:    body.RegionName,
		City:      body.City,
		ISP:       body.ISP,
		Latitude:  body.Lat,
		Longitude: body.Lon,
	}, nil
}

// IpapiCoProvider looks addresses up via ipapi.co, the fallback service.
type IpapiCoProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewIpapiCoProvider creates an ipapi.co provider. The API key is optional
// on the free tier.
func NewIpapiCoProvider(baseURL, apiKey string, timeout time.Duration) *IpapiCoProvider {
	if baseURL == "" {
		baseURL = "https://ipapi.co"
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &IpapiCoProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *IpapiCoProvider) Name() string { return "ipapi.co" }

func (p *IpapiCoProvider) Lookup(ctx context.Context, ip string) (*Location, error) {
	if net.ParseIP(ip) == nil {
		return nil, fmt.Errorf("invalid IP: %s", ip)
	}

	url := fmt.Sprintf("%s/%s/json/", p.baseURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if p.apiKey != "" {
		req.Header.Set("X-API-Key", p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ipapi request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ipapi status %d", resp.StatusCode)
	}

	var body struct {
		Error       bool    `json:"error"`
		Reason      string  `json:"reason"`
		CountryName string  `json:"country_name"`
		Region      string  `json:"region"`
		City        string  `json:"city"`
		Org         string  `json:"org"`
		Latitude    float64 `json:"latitude"`
		Longitude   float64 `json:"longitude"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("ipapi decode: %w", err)
	}
	if body.Error {
		return nil, fmt.Errorf("ipapi lookup failed for %s: %s", ip, body.Reason)
	}

	return &Location{
		IP:        ip,
		Country:   body.CountryName,
		Region:    body.Region,
		City:      body.City,
		ISP:       body.Org,
		Latitude:  body.Latitude,
		Longitude: body.Longitude,
	}, nil
}

// Chain tries each provider in order and returns the first success.
type Chain struct {
	providers []Provider
}

// NewChain builds a provider chain.
func NewChain(providers ...Provider) *Chain {
	return &Chain{providers: providers}
}

func (c *Chain) Name() string { return "chain" }

func (c *Chain) Lookup(ctx context.Context, ip string) (*Location, error) {
	var lastErr error
	for _, p := range c.providers {
		loc, err := p.Lookup(ctx, ip)
		if err == nil {
			return loc, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no providers configured")
	}
	return nil, lastErr
}
