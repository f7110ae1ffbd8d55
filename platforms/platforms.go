// Package platforms provides the thin per-platform collaborators the
// lifecycle core plugs in: cheap authenticated probe validators and the
// daily-summary extractors. The login-time page automation that obtains
// tokens in the first place lives outside this repository.
package platforms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/connkeeper/connkeeper/models"
)

type endpoints struct {
	probe   string
	summary string
}

// Session endpoints per platform. The probe URL answers 200 for a live
// session and 401/403 for a dead one; the summary URL serves the daily
// metrics the extraction jobs pull.
var platformEndpoints = map[models.Platform]endpoints{
	models.PlatformGarmin: {
		probe:   "https://connect.garmin.com/userprofile-service/userprofile/settings",
		summary: "https://connect.garmin.com/usersummary-service/stats/daily",
	},
	models.PlatformWhoop: {
		probe:   "https://api.prod.whoop.com/developer/v1/user/profile/basic",
		summary: "https://api.prod.whoop.com/developer/v1/cycle",
	},
	models.PlatformOura: {
		probe:   "https://api.ouraring.com/v2/usercollection/personal_info",
		summary: "https://api.ouraring.com/v2/usercollection/daily_activity",
	},
}

// ProbeValidator checks a session by issuing one authenticated GET.
// It is side-effect free; the caller bounds it with a context timeout.
type ProbeValidator struct {
	url    string
	client *http.Client
}

func NewProbeValidator(platform models.Platform, client *http.Client) (*ProbeValidator, error) {
	ep, ok := platformEndpoints[platform]
	if !ok {
		return nil, fmt.Errorf("unknown platform %q", platform)
	}

	if client == nil {
		client = http.DefaultClient
	}

	return &ProbeValidator{url: ep.probe, client: client}, nil
}

func (v *ProbeValidator) Check(ctx context.Context, tokens models.Tokens) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.url, http.NoBody)
	if err != nil {
		return false, err
	}

	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)

	resp, err := v.client.Do(req)
	if err != nil {
		return false, err
	}

	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected probe status %d", resp.StatusCode)
	}
}

// Validators builds the probe registry for all known platforms.
func Validators(client *http.Client) map[models.Platform]models.Validator {
	ans := make(map[models.Platform]models.Validator, len(platformEndpoints))

	for platform := range platformEndpoints {
		v, err := NewProbeValidator(platform, client)
		if err != nil {
			continue
		}

		ans[platform] = v
	}

	return ans
}

// SummaryExtractor pulls the daily metric summaries for a date range
// and flattens them into sink rows of (date, metric, value).
type SummaryExtractor struct {
	url    string
	client *http.Client
}

func NewSummaryExtractor(platform models.Platform, client *http.Client) (*SummaryExtractor, error) {
	ep, ok := platformEndpoints[platform]
	if !ok {
		return nil, fmt.Errorf("unknown platform %q", platform)
	}

	if client == nil {
		client = http.DefaultClient
	}

	return &SummaryExtractor{url: ep.summary, client: client}, nil
}

func (e *SummaryExtractor) Extract(ctx context.Context, conn *models.Connection, tokens models.Tokens, from, to time.Time) ([]models.Row, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url, http.NoBody)
	if err != nil {
		return nil, err
	}

	q := req.URL.Query()
	q.Set("from", from.Format("2006-01-02"))
	q.Set("to", to.Format("2006-01-02"))
	req.URL.RawQuery = q.Encode()

	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}

	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected summary status %d", resp.StatusCode)
	}

	var summaries []struct {
		Date    string             `json:"date"`
		Metrics map[string]float64 `json:"metrics"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&summaries); err != nil {
		return nil, fmt.Errorf("failed to decode summaries: %w", err)
	}

	var rows []models.Row

	for _, summary := range summaries {
		metrics := make([]string, 0, len(summary.Metrics))
		for metric := range summary.Metrics {
			metrics = append(metrics, metric)
		}

		sort.Strings(metrics)

		for _, metric := range metrics {
			rows = append(rows, models.Row{summary.Date, string(conn.Platform), metric, summary.Metrics[metric]})
		}
	}

	return rows, nil
}

// Extractors builds the extractor registry for all known platforms.
func Extractors(client *http.Client) map[models.Platform]models.Extractor {
	ans := make(map[models.Platform]models.Extractor, len(platformEndpoints))

	for platform := range platformEndpoints {
		e, err := NewSummaryExtractor(platform, client)
		if err != nil {
			continue
		}

		ans[platform] = e
	}

	return ans
}
