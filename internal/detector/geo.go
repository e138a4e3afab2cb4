package detector

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/account"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// earthRadiusKm is the mean Earth radius used for great-circle distances.
const earthRadiusKm = 6371.0

// implausibleScore is the saturated sub-score for travel faster than the
// configured maximum speed.
const implausibleScore = 0.95

// Geographic flags location changes whose implied travel speed since the
// account's last transaction is physically implausible. When both
// transactions carry coordinates the check uses great-circle distance
// against a configured maximum speed; without coordinates it falls back
// to coarse country/city comparison.
type Geographic struct {
	cfg domain.GeoConfig
}

// NewGeographic creates the geographic plausibility detector.
func NewGeographic(cfg domain.GeoConfig) *Geographic {
	return &Geographic{cfg: cfg}
}

// Kind implements Detector.
func (d *Geographic) Kind() domain.DetectorKind { return domain.DetectorGeographic }

// Evaluate implements Detector.
func (d *Geographic) Evaluate(ctx context.Context, tx *domain.Transaction, snap *account.Snapshot) (domain.DetectorResult, error) {
	result := domain.DetectorResult{Kind: d.Kind(), Reason: domain.ReasonNone}

	if len(snap.Entries) == 0 {
		return result, nil
	}

	sameCountry := strings.EqualFold(tx.Country, snap.LastCountry)
	sameCity := sameCountry && strings.EqualFold(tx.City, snap.LastCity)
	if sameCity {
		return result, nil
	}

	hasCoords := tx.Latitude != nil && snap.LastLatitude != nil
	if !hasCoords {
		// Coarse fallback: a country change is binary-ish high, a city
		// change inside one country is a small decay score.
		if !sameCountry {
			result.Score = d.cfg.CountryChangeScore
			result.Reason = domain.ReasonLocationChange
			result.Detail = fmt.Sprintf("country changed %s -> %s", snap.LastCountry, tx.Country)
		} else {
			result.Score = d.cfg.CityChangeScore
			result.Reason = domain.ReasonLocationChange
			result.Detail = fmt.Sprintf("city changed %s -> %s", snap.LastCity, tx.City)
		}
		return result, nil
	}

	distKm := haversineKm(*snap.LastLatitude, *snap.LastLongitude, *tx.Latitude, *tx.Longitude)
	elapsed := tx.Timestamp.Sub(snap.LastTimestamp)
	if elapsed <= 0 {
		// Same instant in a different place: no travel time at all.
		if distKm > 0 {
			result.Score = implausibleScore
			result.Reason = domain.ReasonImplausibleTravel
			result.Detail = fmt.Sprintf("%.0f km with no elapsed time", distKm)
		}
		return result, nil
	}

	speedKmh := distKm / elapsed.Hours()
	if speedKmh > d.cfg.MaxSpeedKmh {
		result.Score = implausibleScore
		result.Reason = domain.ReasonImplausibleTravel
		result.Detail = fmt.Sprintf("%.0f km in %s implies %.0f km/h", distKm, elapsed.Round(time.Second), speedKmh)
		return result, nil
	}

	// Plausible travel still moves the needle a little, scaled by how
	// close the implied speed came to the limit.
	result.Score = d.cfg.CityChangeScore * (speedKmh / d.cfg.MaxSpeedKmh)
	if result.Score > 0 {
		result.Reason = domain.ReasonLocationChange
		result.Detail = fmt.Sprintf("%.0f km in %s", distKm, elapsed.Round(time.Second))
	}
	return result, nil
}

// haversineKm returns the great-circle distance between two points.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
