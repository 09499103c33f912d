// Package weather fetches the local forecast shown next to the grill: the
// current conditions and the next six hours from Open-Meteo.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	// DefaultLatitude and DefaultLongitude point at Hallein, Salzburg.
	DefaultLatitude  = 47.6833
	DefaultLongitude = 13.0933
	DefaultTimezone  = "Europe/Vienna"

	defaultBaseURL = "https://api.open-meteo.com/v1/forecast"
	hourlyFields   = "temperature_2m,precipitation_probability,weathercode"
	hourlyLayout   = "2006-01-02T15:04"
	hoursAhead     = 6
	requestTimeout = 10 * time.Second

	// Open-Meteo's free tier reports neither.
	defaultHumidity   = 50
	defaultVisibility = 10
)

// Conditions returned by Condition.
const (
	Sunny    = "sunny"
	Cloudy   = "cloudy"
	Overcast = "overcast"
	Rainy    = "rainy"
)

// Current is the weather right now.
type Current struct {
	Temperature float64 `json:"temperature"`
	Condition   string  `json:"condition"`
	WindSpeed   float64 `json:"windSpeed"`
	Humidity    int     `json:"humidity"`
	Visibility  int     `json:"visibility"`
}

// Hour is one hourly forecast entry. Time is local to the forecast timezone.
type Hour struct {
	Time                string  `json:"time"`
	Temperature         float64 `json:"temperature"`
	Condition           string  `json:"condition"`
	PrecipitationChance float64 `json:"precipitationChance"`
}

// Forecast is what /weather serves.
type Forecast struct {
	Current Current `json:"current"`
	Hourly  []Hour  `json:"hourly"`
}

// Condition maps a WMO weather code to one of the four display conditions.
func Condition(code int) string {
	switch code {
	case 0:
		return Sunny
	case 1, 2, 3:
		return Cloudy
	case 45, 48:
		return Overcast
	case 51, 53, 55, 56, 57, 61, 63, 65, 66, 67, 80, 81, 82:
		return Rainy
	default:
		return Cloudy
	}
}

// Options configures a Client. Zero values select Hallein and the public API.
type Options struct {
	BaseURL   string
	Latitude  float64
	Longitude float64
	Timezone  string
}

// Client queries the Open-Meteo forecast API.
type Client struct {
	endpoint string
	lat, lon float64
	timezone string
	loc      *time.Location
	http     *http.Client
	now      func() time.Time
}

// NewClient returns a Client for opts.
func NewClient(opts Options) *Client {
	c := &Client{
		endpoint: opts.BaseURL,
		lat:      opts.Latitude,
		lon:      opts.Longitude,
		timezone: opts.Timezone,
		http:     &http.Client{Timeout: requestTimeout},
		now:      time.Now,
	}
	if c.endpoint == "" {
		c.endpoint = defaultBaseURL
	}
	if c.lat == 0 && c.lon == 0 {
		c.lat, c.lon = DefaultLatitude, DefaultLongitude
	}
	if c.timezone == "" {
		c.timezone = DefaultTimezone
	}
	loc, err := time.LoadLocation(c.timezone)
	if err != nil {
		loc = time.UTC
	}
	c.loc = loc
	return c
}

type apiResponse struct {
	CurrentWeather struct {
		Temperature float64 `json:"temperature"`
		WindSpeed   float64 `json:"windspeed"`
		WeatherCode int     `json:"weathercode"`
	} `json:"current_weather"`
	Hourly struct {
		Time                     []string  `json:"time"`
		Temperature2m            []float64 `json:"temperature_2m"`
		PrecipitationProbability []float64 `json:"precipitation_probability"`
		WeatherCode              []int     `json:"weathercode"`
	} `json:"hourly"`
}

// Fetch retrieves and shapes the forecast.
func (c *Client) Fetch(ctx context.Context) (*Forecast, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse weather url: %w", err)
	}
	q := u.Query()
	q.Set("latitude", strconv.FormatFloat(c.lat, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(c.lon, 'f', -1, 64))
	q.Set("current_weather", "true")
	q.Set("hourly", hourlyFields)
	q.Set("timezone", c.timezone)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("open-meteo returned status %d", resp.StatusCode)
	}
	var raw apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode weather response: %w", err)
	}
	return c.shape(raw), nil
}

func (c *Client) shape(raw apiResponse) *Forecast {
	f := &Forecast{
		Current: Current{
			Temperature: raw.CurrentWeather.Temperature,
			Condition:   Condition(raw.CurrentWeather.WeatherCode),
			WindSpeed:   raw.CurrentWeather.WindSpeed,
			Humidity:    defaultHumidity,
			Visibility:  defaultVisibility,
		},
		Hourly: []Hour{},
	}

	times := raw.Hourly.Time
	now := c.now()
	start := -1
	for i, ts := range times {
		t, err := time.ParseInLocation(hourlyLayout, ts, c.loc)
		if err == nil && t.After(now) {
			start = i
			break
		}
	}
	if start == -1 {
		start = max(len(times)-hoursAhead, 0)
	}

	for i := start; i < len(times) && i < start+hoursAhead; i++ {
		h := Hour{Time: times[i]}
		if i < len(raw.Hourly.Temperature2m) {
			h.Temperature = raw.Hourly.Temperature2m[i]
		}
		if i < len(raw.Hourly.WeatherCode) {
			h.Condition = Condition(raw.Hourly.WeatherCode[i])
		} else {
			h.Condition = Cloudy
		}
		if i < len(raw.Hourly.PrecipitationProbability) {
			h.PrecipitationChance = raw.Hourly.PrecipitationProbability[i]
		}
		f.Hourly = append(f.Hourly, h)
	}
	return f
}
