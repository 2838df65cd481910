package models

// Coordinate is a latitude/longitude pair carried on every aggregation request.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Components holds pollutant concentrations in µg/m³ as reported by the
// OpenWeatherMap air pollution API.
type Components struct {
	CO   float64 `json:"co"`
	NO   float64 `json:"no"`
	NO2  float64 `json:"no2"`
	O3   float64 `json:"o3"`
	SO2  float64 `json:"so2"`
	PM25 float64 `json:"pm2_5"`
	PM10 float64 `json:"pm10"`
	NH3  float64 `json:"nh3"`
}

// SampleIndex is the coarse 1-5 air quality index the upstream attaches to
// each sample. Distinct from the US EPA AQI computed in the aqi package.
type SampleIndex struct {
	AQI int `json:"aqi"`
}

// PollutantSample is one timestamped set of pollutant concentrations.
type PollutantSample struct {
	Main       SampleIndex `json:"main"`
	Components Components  `json:"components"`
	Dt         int64       `json:"dt"`
}

// PollutionData is the air pollution API response shape shared by the
// current, forecast and history endpoints.
type PollutionData struct {
	Coord Coordinate        `json:"coord"`
	List  []PollutantSample `json:"list"`
}

// WeatherCondition is one entry of the weather description array.
type WeatherCondition struct {
	Main        string `json:"main"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
}

// WeatherMain holds the temperature block of the current weather response.
type WeatherMain struct {
	Temp      float64 `json:"temp"`
	FeelsLike float64 `json:"feels_like"`
	Pressure  int     `json:"pressure"`
	Humidity  int     `json:"humidity"`
}

// Wind holds wind speed and direction.
type Wind struct {
	Speed float64 `json:"speed"`
	Deg   int     `json:"deg"`
}

// WeatherData is the current weather payload for a coordinate.
type WeatherData struct {
	Coord   Coordinate         `json:"coord"`
	Weather []WeatherCondition `json:"weather"`
	Main    WeatherMain        `json:"main"`
	Wind    Wind               `json:"wind"`
	Dt      int64              `json:"dt"`
	Name    string             `json:"name"`
}

// StationCoordinates is the coordinate block of an OpenAQ location.
type StationCoordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// StationParameter describes what a ground-station sensor measures.
type StationParameter struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Units       string `json:"units"`
	DisplayName string `json:"displayName"`
}

// StationSensor is one sensor attached to a ground station.
type StationSensor struct {
	ID        int              `json:"id"`
	Name      string           `json:"name"`
	Parameter StationParameter `json:"parameter"`
}

// Station is a ground monitoring station near the requested coordinate,
// as returned by the OpenAQ locations API. Best-effort data: every field
// beyond ID and Name may be empty.
type Station struct {
	ID          int                `json:"id"`
	Name        string             `json:"name"`
	Locality    string             `json:"locality"`
	Timezone    string             `json:"timezone"`
	Country     map[string]any     `json:"country"`
	Coordinates StationCoordinates `json:"coordinates"`
	Sensors     []StationSensor    `json:"sensors"`
	Distance    float64            `json:"distance"`
}

// CurrentBlock merges the latest pollution sample set with current weather.
// The pollution response fields are kept at the top level and the weather
// payload is nested under "weather", matching the dashboard contract.
type CurrentBlock struct {
	Coord   Coordinate        `json:"coord"`
	List    []PollutantSample `json:"list"`
	Weather *WeatherData      `json:"weather"`
}

// CurrentResponse is the /api/data payload.
type CurrentResponse struct {
	Location   string       `json:"location"`
	Weather    CurrentBlock `json:"weather"`
	AirQuality *Station     `json:"airQuality"`
}

// ForecastResponse is the /api/forecast payload.
type ForecastResponse struct {
	Coord      Coordinate        `json:"coord"`
	Forecast   []PollutantSample `json:"forecast"`
	TotalHours int               `json:"totalHours"`
}

// Period describes the requested historical window in epoch seconds.
type Period struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
	Days  int   `json:"days"`
}

// HistoricalResponse is the /api/historical payload.
type HistoricalResponse struct {
	Coord      Coordinate        `json:"coord"`
	Historical []PollutantSample `json:"historical"`
	Period     Period            `json:"period"`
}

// ForecastSection is the forecast portion of a complete response.
// Nil when the forecast upstream call failed.
type ForecastSection struct {
	Coord Coordinate        `json:"coord"`
	List  []PollutantSample `json:"list"`
}

// HistoricalSection is the history portion of a complete response.
// Nil when the history upstream call failed.
type HistoricalSection struct {
	Coord  Coordinate        `json:"coord"`
	List   []PollutantSample `json:"list"`
	Period Period            `json:"period"`
}

// CompleteResponse is the /api/complete payload. Forecast, Historical and
// AirQuality are independently nullable on partial upstream failure; Current
// and Location come from the essential sources and are always present.
// Timestamp is the capture instant in Unix milliseconds.
type CompleteResponse struct {
	Location   string             `json:"location"`
	Current    CurrentBlock       `json:"current"`
	Forecast   *ForecastSection   `json:"forecast"`
	Historical *HistoricalSection `json:"historical"`
	AirQuality *Station           `json:"airQuality"`
	Timestamp  int64              `json:"timestamp"`
}
