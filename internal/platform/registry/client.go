// Package registry resolves patient demographics from the hospital's FHIR
// patient registry, caching lookups for the length of a typical ED stay.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/ehr/edflow/internal/domain/emergency"
)

const (
	mimeFHIRJSON = "application/fhir+json"
	maxBodyBytes = 1 << 20
)

// Config configures a Client.
type Config struct {
	BaseURL         string
	Token           string
	Timeout         time.Duration
	CacheTTL        time.Duration
	CleanupInterval time.Duration
}

// fhirPatient is the subset of a FHIR R4 Patient resource the engine reads.
type fhirPatient struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	BirthDate    string `json:"birthDate"`
	Gender       string `json:"gender"`
	Deceased     *bool  `json:"deceasedBoolean,omitempty"`
}

// unknownPatient marks a cached 404 so repeated lookups skip the registry.
type unknownPatient struct{}

// Client implements emergency.PatientRegistry.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	cache   *cache.Cache
	now     func() time.Time
	logger  zerolog.Logger
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 15 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: cfg.Timeout},
		cache:   cache.New(cfg.CacheTTL, cfg.CleanupInterval),
		now:     time.Now,
		logger:  logger.With().Str("component", "patient_registry").Logger(),
	}
}

// LookupPatient returns the patient's age and sex. An unknown patient yields
// (nil, nil) so registration proceeds with the age supplied at the desk.
func (c *Client) LookupPatient(ctx context.Context, patientID uuid.UUID) (*emergency.PatientInfo, error) {
	key := patientID.String()
	if v, ok := c.cache.Get(key); ok {
		switch info := v.(type) {
		case *emergency.PatientInfo:
			out := *info
			return &out, nil
		case unknownPatient:
			return nil, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/Patient/%s", c.baseURL, key), nil)
	if err != nil {
		return nil, fmt.Errorf("create registry request: %w", err)
	}
	req.Header.Set("Accept", mimeFHIRJSON)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		c.cache.SetDefault(key, unknownPatient{})
		c.logger.Debug().Str("patient_id", key).Msg("patient not in registry")
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, fmt.Errorf("registry returned status %d", resp.StatusCode)
	}

	var p fhirPatient
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode registry patient: %w", err)
	}
	if p.ResourceType != "" && p.ResourceType != "Patient" {
		return nil, fmt.Errorf("registry returned %s, expected Patient", p.ResourceType)
	}

	age, err := AgeOn(p.BirthDate, c.now())
	if err != nil {
		return nil, err
	}
	info := &emergency.PatientInfo{PatientID: patientID, Age: age, Sex: p.Gender}
	c.cache.SetDefault(key, info)

	out := *info
	return &out, nil
}

// Invalidate drops a cached lookup.
func (c *Client) Invalidate(patientID uuid.UUID) {
	c.cache.Delete(patientID.String())
}

// CachedCount returns the number of cached lookups, including misses.
func (c *Client) CachedCount() int {
	return c.cache.ItemCount()
}

// AgeOn computes age in whole years on the given date from a FHIR date
// (YYYY, YYYY-MM or YYYY-MM-DD). Partial dates assume the first month/day.
func AgeOn(birthDate string, on time.Time) (int, error) {
	var (
		born time.Time
		err  error
	)
	switch len(birthDate) {
	case 4:
		born, err = time.Parse("2006", birthDate)
	case 7:
		born, err = time.Parse("2006-01", birthDate)
	case 10:
		born, err = time.Parse("2006-01-02", birthDate)
	default:
		return 0, fmt.Errorf("invalid birthDate %q", birthDate)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid birthDate %q: %w", birthDate, err)
	}
	on = on.UTC()
	if born.After(on) {
		return 0, fmt.Errorf("birthDate %q is in the future", birthDate)
	}
	age := on.Year() - born.Year()
	if on.Month() < born.Month() || (on.Month() == born.Month() && on.Day() < born.Day()) {
		age--
	}
	return age, nil
}
