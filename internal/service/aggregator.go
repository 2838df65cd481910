package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/globaltempo/tempo-backend/internal/client"
	"github.com/globaltempo/tempo-backend/internal/models"
)

// ErrEssentialUpstream is returned when a source the payload cannot be built
// without (current pollution, weather, or the single-source forecast/history
// call) failed. The HTTP layer maps it to a 500 with a generic message.
var ErrEssentialUpstream = errors.New("essential upstream failure")

// Day-window bounds for historical lookups.
const (
	DefaultDays = 7
	MaxDays     = 30
)

// ClampDays normalizes a requested day window into [1, MaxDays], defaulting
// to DefaultDays when the request carried none.
func ClampDays(days int) int {
	if days <= 0 {
		return DefaultDays
	}
	if days > MaxDays {
		return MaxDays
	}
	return days
}

// Aggregator fans out to the upstream clients for one request and shapes the
// combined result. Calls are issued concurrently and all outcomes are
// gathered; a failed non-essential source degrades its output field to nil
// instead of failing the request.
type Aggregator struct {
	air           client.AirDataClient
	stations      client.StationClient
	stationRadius int
	logger        *zap.Logger
}

// NewAggregator creates an Aggregator. stationRadius is the ground-station
// search radius in meters (25000 when zero).
func NewAggregator(air client.AirDataClient, stations client.StationClient, stationRadius int, logger *zap.Logger) *Aggregator {
	if stationRadius <= 0 {
		stationRadius = 25000
	}
	return &Aggregator{
		air:           air,
		stations:      stations,
		stationRadius: stationRadius,
		logger:        logger,
	}
}

// loggerFromContext extracts the request-scoped zap.Logger if middleware
// placed one; falls back to the aggregator's own logger.
func (a *Aggregator) loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return a.logger
}

// GetCurrent merges the latest pollution sample with current weather and a
// best-effort nearest ground station. Pollution and weather are essential;
// a station lookup failure yields AirQuality nil without error.
func (a *Aggregator) GetCurrent(ctx context.Context, coord models.Coordinate) (models.CurrentResponse, error) {
	var (
		wg        sync.WaitGroup
		pollution models.PollutionData
		weather   models.WeatherData
		station   *models.Station

		pollutionErr, weatherErr, stationErr error
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		pollution, pollutionErr = a.air.CurrentPollution(ctx, coord)
	}()
	go func() {
		defer wg.Done()
		weather, weatherErr = a.air.CurrentWeather(ctx, coord)
	}()
	go func() {
		defer wg.Done()
		station, stationErr = a.stations.NearestStation(ctx, coord, a.stationRadius)
	}()
	wg.Wait()

	if pollutionErr != nil || weatherErr != nil {
		return models.CurrentResponse{}, fmt.Errorf("%w: %w", ErrEssentialUpstream, errors.Join(pollutionErr, weatherErr))
	}
	if stationErr != nil {
		a.loggerFromContext(ctx).Warn("ground station lookup failed", zap.Error(stationErr))
		station = nil
	}

	return models.CurrentResponse{
		Location: weather.Name,
		Weather: models.CurrentBlock{
			Coord:   pollution.Coord,
			List:    pollution.List,
			Weather: &weather,
		},
		AirQuality: station,
	}, nil
}

// GetForecast returns the hourly pollutant forecast. The single upstream call
// is essential.
func (a *Aggregator) GetForecast(ctx context.Context, coord models.Coordinate) (models.ForecastResponse, error) {
	forecast, err := a.air.PollutionForecast(ctx, coord)
	if err != nil {
		return models.ForecastResponse{}, fmt.Errorf("%w: %w", ErrEssentialUpstream, err)
	}
	return models.ForecastResponse{
		Coord:      forecast.Coord,
		Forecast:   forecast.List,
		TotalHours: len(forecast.List),
	}, nil
}

// GetHistorical returns past pollutant samples over the clamped day window.
// The single upstream call is essential.
func (a *Aggregator) GetHistorical(ctx context.Context, coord models.Coordinate, days int) (models.HistoricalResponse, error) {
	days = ClampDays(days)
	end := time.Now().Unix()
	start := end - int64(days)*86400

	history, err := a.air.PollutionHistory(ctx, coord, start, end)
	if err != nil {
		return models.HistoricalResponse{}, fmt.Errorf("%w: %w", ErrEssentialUpstream, err)
	}
	return models.HistoricalResponse{
		Coord:      history.Coord,
		Historical: history.List,
		Period:     models.Period{Start: start, End: end, Days: days},
	}, nil
}

// GetComplete fans out to all five sources at once. Only current pollution
// and weather are essential; forecast, history and the station lookup degrade
// to nil output sections when they fail, each logged at warn level.
func (a *Aggregator) GetComplete(ctx context.Context, coord models.Coordinate, days int) (models.CompleteResponse, error) {
	days = ClampDays(days)
	end := time.Now().Unix()
	start := end - int64(days)*86400

	var (
		wg        sync.WaitGroup
		pollution models.PollutionData
		forecast  models.PollutionData
		weather   models.WeatherData
		history   models.PollutionData
		station   *models.Station

		pollutionErr, forecastErr, weatherErr, historyErr, stationErr error
	)

	wg.Add(5)
	go func() {
		defer wg.Done()
		pollution, pollutionErr = a.air.CurrentPollution(ctx, coord)
	}()
	go func() {
		defer wg.Done()
		forecast, forecastErr = a.air.PollutionForecast(ctx, coord)
	}()
	go func() {
		defer wg.Done()
		weather, weatherErr = a.air.CurrentWeather(ctx, coord)
	}()
	go func() {
		defer wg.Done()
		history, historyErr = a.air.PollutionHistory(ctx, coord, start, end)
	}()
	go func() {
		defer wg.Done()
		station, stationErr = a.stations.NearestStation(ctx, coord, a.stationRadius)
	}()
	wg.Wait()

	if pollutionErr != nil || weatherErr != nil {
		return models.CompleteResponse{}, fmt.Errorf("%w: %w", ErrEssentialUpstream, errors.Join(pollutionErr, weatherErr))
	}

	logger := a.loggerFromContext(ctx)
	out := models.CompleteResponse{
		Location: weather.Name,
		Current: models.CurrentBlock{
			Coord:   pollution.Coord,
			List:    pollution.List,
			Weather: &weather,
		},
		Timestamp: time.Now().UnixMilli(),
	}

	if forecastErr != nil {
		logger.Warn("forecast unavailable", zap.Error(forecastErr))
	} else {
		out.Forecast = &models.ForecastSection{Coord: forecast.Coord, List: forecast.List}
	}
	if historyErr != nil {
		logger.Warn("history unavailable", zap.Error(historyErr))
	} else {
		out.Historical = &models.HistoricalSection{
			Coord:  history.Coord,
			List:   history.List,
			Period: models.Period{Start: start, End: end, Days: days},
		}
	}
	if stationErr != nil {
		logger.Warn("ground station lookup failed", zap.Error(stationErr))
	} else {
		out.AirQuality = station
	}
	return out, nil
}
