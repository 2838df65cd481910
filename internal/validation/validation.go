package validation

import (
	"errors"
	"strconv"
	"strings"

	"github.com/globaltempo/tempo-backend/internal/models"
)

// ErrMissingCoordinate is returned when lat or lon is absent from the query.
var ErrMissingCoordinate = errors.New("missing lat/lon")

// ErrInvalidCoordinate is returned when lat or lon is not a number.
var ErrInvalidCoordinate = errors.New("lat/lon must be numeric")

// ErrCoordinateRange is returned when lat or lon is outside ±90/±180.
var ErrCoordinateRange = errors.New("lat/lon out of range")

// ParseCoordinate parses the lat and lon query values into a Coordinate.
// Errors are suitable for 400 responses; no upstream call is made for them.
func ParseCoordinate(latStr, lonStr string) (models.Coordinate, error) {
	latStr = strings.TrimSpace(latStr)
	lonStr = strings.TrimSpace(lonStr)
	if latStr == "" || lonStr == "" {
		return models.Coordinate{}, ErrMissingCoordinate
	}
	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		return models.Coordinate{}, ErrInvalidCoordinate
	}
	lon, err := strconv.ParseFloat(lonStr, 64)
	if err != nil {
		return models.Coordinate{}, ErrInvalidCoordinate
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return models.Coordinate{}, ErrCoordinateRange
	}
	return models.Coordinate{Lat: lat, Lon: lon}, nil
}

// ParseDays parses the days query value. Absent or malformed values return 0,
// which the service layer resolves to the default window.
func ParseDays(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
