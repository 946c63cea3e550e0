// Package weather polls current temperatures for every located CP and
// publishes samples on the telemetry topic. Central only consumes the
// samples; the cold-weather rule lives here.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"evcentral/internal/models"
	"evcentral/internal/wire"
)

// AlertBelowC is the temperature under which charging is held.
const AlertBelowC = 0.0

// Publisher is the outbound half of the bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

type Config struct {
	CentralURL string
	APIKey     string
	APIBase    string
	Topic      string
	Interval   time.Duration
}

type Ingester struct {
	log    *zap.Logger
	cfg    Config
	pub    Publisher
	client *http.Client
}

func NewIngester(cfg Config, pub Publisher, log *zap.Logger) *Ingester {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openweathermap.org/data/2.5/weather"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Ingester{
		log:    log,
		cfg:    cfg,
		pub:    pub,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Run polls until the context is cancelled.
func (i *Ingester) Run(ctx context.Context) {
	ticker := time.NewTicker(i.cfg.Interval)
	defer ticker.Stop()
	i.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.Tick(ctx)
		}
	}
}

// Tick runs one poll cycle: one sample per located, connected CP.
func (i *Ingester) Tick(ctx context.Context) {
	cps, err := i.fetchStatus(ctx)
	if err != nil {
		i.log.Warn("status fetch failed", zap.Error(err))
		return
	}
	for _, cp := range cps {
		if cp.Location == "" || cp.Status == models.StatusDisconnected {
			continue
		}
		temp, err := i.FetchTemp(ctx, cp.Location)
		if err != nil {
			i.log.Warn("temperature fetch failed", zap.String("loc", cp.Location), zap.Error(err))
			continue
		}
		sample := wire.Weather{
			Type:  wire.TypeWeather,
			CP:    cp.CPID,
			Loc:   cp.Location,
			TempC: temp,
			Alert: temp < AlertBelowC,
			Src:   "EV_W",
			TS:    time.Now().UnixMilli(),
		}
		payload, err := json.Marshal(sample)
		if err != nil {
			continue
		}
		if err := i.pub.Publish(ctx, i.cfg.Topic, payload); err != nil {
			i.log.Warn("sample publish failed", zap.String("cp", cp.CPID), zap.Error(err))
		}
	}
}

func (i *Ingester) fetchStatus(ctx context.Context) ([]models.ChargingPoint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.cfg.CentralURL+"/api/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("weather: status endpoint returned %d", resp.StatusCode)
	}
	var cps []models.ChargingPoint
	if err := json.NewDecoder(resp.Body).Decode(&cps); err != nil {
		return nil, err
	}
	return cps, nil
}

type owmResponse struct {
	Main struct {
		Temp float64 `json:"temp"`
	} `json:"main"`
}

// FetchTemp queries the current metric temperature for a location.
func (i *Ingester) FetchTemp(ctx context.Context, location string) (float64, error) {
	q := url.Values{}
	q.Set("q", location)
	q.Set("appid", i.cfg.APIKey)
	q.Set("units", "metric")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.cfg.APIBase+"?"+q.Encode(), nil)
	if err != nil {
		return 0, err
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("weather: api returned %d for %q", resp.StatusCode, location)
	}
	var body owmResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, err
	}
	return body.Main.Temp, nil
}
