// Package aqi converts raw pollutant concentrations into US EPA Air Quality
// Index values using the standard piecewise-linear breakpoint tables.
package aqi

import (
	"math"

	"github.com/globaltempo/tempo-backend/internal/models"
)

// Pollutant identifies a breakpoint table. The o3 tables are keyed by
// averaging window; overall AQI uses the 8-hour table.
type Pollutant string

const (
	PM25  Pollutant = "pm2_5"
	PM10  Pollutant = "pm10"
	O38hr Pollutant = "o3_8hr"
	O31hr Pollutant = "o3_1hr"
	CO    Pollutant = "co"
	SO2   Pollutant = "so2"
	NO2   Pollutant = "no2"
)

// Unit conversion divisors from µg/m³ (as delivered by the pollution API)
// into each table's native unit.
const (
	o3DivisorPPB  = 1.96 // µg/m³ -> ppb
	coDivisorPPM  = 1145 // µg/m³ -> ppm
	so2DivisorPPB = 2.62 // µg/m³ -> ppb
	no2DivisorPPB = 1.88 // µg/m³ -> ppb
)

// breakpoint is one row of an EPA table: index runs linearly from IndexLow to
// IndexHigh as concentration runs from ConcLow to ConcHigh.
type breakpoint struct {
	ConcLow, ConcHigh   float64
	IndexLow, IndexHigh int
}

var breakpoints = map[Pollutant][]breakpoint{
	PM25: {
		{0.0, 12.0, 0, 50},
		{12.1, 35.4, 51, 100},
		{35.5, 55.4, 101, 150},
		{55.5, 150.4, 151, 200},
		{150.5, 250.4, 201, 300},
		{250.5, 350.4, 301, 400},
		{350.5, 500.4, 401, 500},
	},
	PM10: {
		{0, 54, 0, 50},
		{55, 154, 51, 100},
		{155, 254, 101, 150},
		{255, 354, 151, 200},
		{355, 424, 201, 300},
		{425, 504, 301, 400},
		{505, 604, 401, 500},
	},
	O38hr: {
		{0, 54, 0, 50},
		{55, 70, 51, 100},
		{71, 85, 101, 150},
		{86, 105, 151, 200},
		{106, 200, 201, 300},
	},
	O31hr: {
		{125, 164, 101, 150},
		{165, 204, 151, 200},
		{205, 404, 201, 300},
		{405, 504, 301, 400},
		{505, 604, 401, 500},
	},
	CO: {
		{0.0, 4.4, 0, 50},
		{4.5, 9.4, 51, 100},
		{9.5, 12.4, 101, 150},
		{12.5, 15.4, 151, 200},
		{15.5, 30.4, 201, 300},
		{30.5, 40.4, 301, 400},
		{40.5, 50.4, 401, 500},
	},
	SO2: {
		{0, 35, 0, 50},
		{36, 75, 51, 100},
		{76, 185, 101, 150},
		{186, 304, 151, 200},
		{305, 604, 201, 300},
		{605, 804, 301, 400},
		{805, 1004, 401, 500},
	},
	NO2: {
		{0, 53, 0, 50},
		{54, 100, 51, 100},
		{101, 360, 101, 150},
		{361, 649, 151, 200},
		{650, 1249, 201, 300},
		{1250, 1649, 301, 400},
		{1650, 2049, 401, 500},
	},
}

// Individual computes the AQI for one concentration in the pollutant's native
// unit. Negative concentrations and unknown pollutants yield 0. Concentrations
// above the highest breakpoint extrapolate along the last row's slope, clamped
// to 500. Concentrations that fall between table rows (a gap, not an overflow)
// also yield 0.
func Individual(concentration float64, pollutant Pollutant) int {
	if concentration < 0 {
		return 0
	}

	table, ok := breakpoints[pollutant]
	if !ok {
		return 0
	}

	var row *breakpoint
	for i := range table {
		if concentration >= table[i].ConcLow && concentration <= table[i].ConcHigh {
			row = &table[i]
			break
		}
	}
	if row == nil {
		last := &table[len(table)-1]
		if concentration <= last.ConcHigh {
			return 0
		}
		row = last
	}

	index := float64(row.IndexHigh-row.IndexLow)/(row.ConcHigh-row.ConcLow)*(concentration-row.ConcLow) + float64(row.IndexLow)
	aqi := int(math.Round(index))
	if aqi > 500 {
		return 500
	}
	return aqi
}

// Result is the overall AQI plus the per-pollutant values it was taken from.
type Result struct {
	Overall    int            `json:"overall"`
	Individual map[string]int `json:"individual"`
}

// Overall computes per-pollutant AQI values from raw µg/m³ concentrations and
// returns their maximum. Absent (zero) pollutants are skipped; if nothing is
// present the overall index is 0. O3, CO, SO2 and NO2 are converted into
// their table units before lookup; PM values are used directly.
func Overall(c models.Components) Result {
	individual := make(map[string]int)

	if c.PM25 > 0 {
		individual["pm2_5"] = Individual(c.PM25, PM25)
	}
	if c.PM10 > 0 {
		individual["pm10"] = Individual(c.PM10, PM10)
	}
	if c.O3 > 0 {
		individual["o3"] = Individual(c.O3/o3DivisorPPB, O38hr)
	}
	if c.CO > 0 {
		individual["co"] = Individual(c.CO/coDivisorPPM, CO)
	}
	if c.SO2 > 0 {
		individual["so2"] = Individual(c.SO2/so2DivisorPPB, SO2)
	}
	if c.NO2 > 0 {
		individual["no2"] = Individual(c.NO2/no2DivisorPPB, NO2)
	}

	overall := 0
	for _, v := range individual {
		if v > overall {
			overall = v
		}
	}
	return Result{Overall: overall, Individual: individual}
}

// Category is a display band for an AQI value.
type Category struct {
	Label string `json:"label"`
	Color string `json:"color"`
}

// CategoryFor maps an AQI value to its display band and color token.
func CategoryFor(aqi int) Category {
	switch {
	case aqi <= 50:
		return Category{"Good", "#00e400"}
	case aqi <= 100:
		return Category{"Moderate", "#ffff00"}
	case aqi <= 150:
		return Category{"Unhealthy for Sensitive Groups", "#ff7e00"}
	case aqi <= 200:
		return Category{"Unhealthy", "#ff0000"}
	case aqi <= 300:
		return Category{"Very Unhealthy", "#8f3f97"}
	case aqi <= 500:
		return Category{"Hazardous", "#7e0023"}
	default:
		return Category{"Very Hazardous", "#7e0023"}
	}
}
