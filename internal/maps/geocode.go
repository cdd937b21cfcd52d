// Package maps wraps the Google Maps client for the receipt address shown on
// trip summaries.
package maps

import (
	"context"
	"errors"
	"fmt"

	"googlemaps.github.io/maps"

	"mobility/internal/types"
)

var ErrNoAddress = errors.New("no address for location")

// AddressService reverse-geocodes end locations.
type AddressService struct {
	client   *maps.Client
	language string
}

// NewAddressService creates the client with apiKey. Extra client options
// (for example a base URL) are passed through.
func NewAddressService(apiKey, language string, opts ...maps.ClientOption) (*AddressService, error) {
	opts = append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)
	client, err := maps.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &AddressService{client: client, language: language}, nil
}

// ReverseGeocode returns the formatted address of the best match for p.
func (s *AddressService) ReverseGeocode(ctx context.Context, p types.Point) (string, error) {
	results, err := s.client.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng:   &maps.LatLng{Lat: p.Lat, Lng: p.Lng},
		Language: s.language,
	})
	if err != nil {
		return "", fmt.Errorf("maps api error: %w", err)
	}
	if len(results) == 0 || results[0].FormattedAddress == "" {
		return "", ErrNoAddress
	}
	return results[0].FormattedAddress, nil
}
