package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Source retrieves the current asset list.
type Source interface {
	Fetch(ctx context.Context) ([]AssetRecord, error)
}

// HTTPOptions parameterise the live feed source.
type HTTPOptions struct {
	APIURL    string
	Timeout   time.Duration
	UserAgent string
}

// HTTPSource fetches the asset list from the upstream API.
type HTTPSource struct {
	opts   HTTPOptions
	logger zerolog.Logger
	client *http.Client
}

// NewHTTPSource constructs a live feed source.
func NewHTTPSource(opts HTTPOptions, logger zerolog.Logger) *HTTPSource {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSource{
		opts:   opts,
		logger: logger.With().Str("component", "feed_http").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

// Fetch issues a GET and accepts only a 200 response with a JSON array body.
func (s *HTTPSource) Fetch(ctx context.Context) ([]AssetRecord, error) {
	if s.opts.APIURL == "" {
		return nil, fmt.Errorf("feed api url not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.APIURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(s.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request feed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read feed body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	records, err := parseAssetList(body)
	if err != nil {
		return nil, err
	}

	s.logger.Debug().Int("assets", len(records)).Msg("feed fetched")
	return records, nil
}

// FixtureSource reads the asset list from a local file, used in test mode.
type FixtureSource struct {
	path   string
	logger zerolog.Logger
}

// NewFixtureSource constructs a fixture-backed feed source.
func NewFixtureSource(path string, logger zerolog.Logger) *FixtureSource {
	return &FixtureSource{path: path, logger: logger.With().Str("component", "feed_fixture").Logger()}
}

// Fetch reads and validates the fixture file.
func (s *FixtureSource) Fetch(ctx context.Context) ([]AssetRecord, error) {
	body, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", s.path, err)
	}

	records, err := parseAssetList(body)
	if err != nil {
		return nil, fmt.Errorf("fixture %s: %w", s.path, err)
	}

	s.logger.Debug().Int("assets", len(records)).Str("path", s.path).Msg("fixture loaded")
	return records, nil
}

func parseAssetList(body []byte) ([]AssetRecord, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("feed payload is not a list")
	}

	var records []AssetRecord
	if err := json.Unmarshal(trimmed, &records); err != nil {
		return nil, fmt.Errorf("decode feed payload: %w", err)
	}
	return records, nil
}

var (
	_ Source = (*HTTPSource)(nil)
	_ Source = (*FixtureSource)(nil)
)
