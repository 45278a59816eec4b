package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/livinlefevreloca/statsync/internal/catalog"
)

// Artifact kinds, used for request metrics and logging
const (
	KindData   = "data"
	KindMeta   = "meta"
	KindLatest = "latest"
)

const redactedKey = "***"

// Outcome is the decoded result of one data request: either rows or the
// range-too-large signal, never both.
type Outcome struct {
	Rows          []json.RawMessage
	RangeTooLarge bool
}

// Fetcher implements the range-splitting fetch on top of a Client. All
// sub-requests for one call run sequentially on the calling goroutine.
type Fetcher struct {
	client *Client
	code   string
	logger *slog.Logger
}

// NewFetcher creates a fetcher using the client's range-too-large code
func NewFetcher(client *Client, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		client: client,
		code:   client.config.RangeTooLargeCode,
		logger: logger,
	}
}

// FetchRange returns every data row for r, bisecting whenever the provider
// reports the range as too large. Rows are ordered by sub-range, left to right.
func (f *Fetcher) FetchRange(ctx context.Context, ep catalog.Endpoint, table catalog.SourceTable, r YearRange) ([]json.RawMessage, error) {
	if table.Data == nil {
		return nil, fmt.Errorf("table %s %s: %w", table.ID, KindData, ErrNoTemplate)
	}
	if table.Data.Format != catalog.FormatJSON {
		return nil, fmt.Errorf("table %s: %w: %s", table.ID, ErrUnsupportedFormat, table.Data.Format)
	}

	logger := f.logger.With("table_id", table.ID)

	if !Splittable(*table.Data) {
		return f.fetchUnsplit(ctx, ep, table, r, logger)
	}

	var rows []json.RawMessage
	err := bisect(r, func(cur YearRange) (bool, error) {
		target, redacted := ExpandURL(ep, table, *table.Data, &cur)
		body, err := f.client.Get(ctx, KindData, target, redacted)
		if err != nil {
			return false, err
		}

		outcome, err := DecodeData(body, f.code)
		if err != nil {
			return false, fmt.Errorf("table %s range %s: %w", table.ID, cur, err)
		}
		if outcome.RangeTooLarge {
			logger.Info("range too large", "range", cur.String(), "width", cur.Width())
			if cur.Width() > 1 {
				f.client.observer.ObserveSplit()
			}
			return false, nil
		}

		logger.Debug("range fetched", "range", cur.String(), "rows", len(outcome.Rows))
		rows = append(rows, outcome.Rows...)
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("table %s: %w", table.ID, err)
	}

	return rows, nil
}

// Splittable reports whether a data template addresses its range by start and
// end year. Count-only templates ask for the newest N periods, so a sub-range
// request would not select the sub-range's years.
func Splittable(tmpl catalog.URLTemplate) bool {
	return strings.Contains(tmpl.URL, "{START_PRD_DE}") && strings.Contains(tmpl.URL, "{END_PRD_DE}")
}

// fetchUnsplit requests r once; range-too-large cannot be recovered from.
func (f *Fetcher) fetchUnsplit(ctx context.Context, ep catalog.Endpoint, table catalog.SourceTable, r YearRange, logger *slog.Logger) ([]json.RawMessage, error) {
	if r.From > r.To {
		return nil, fmt.Errorf("table %s: %w: %s", table.ID, ErrInvalidRange, r)
	}

	target, redacted := ExpandURL(ep, table, *table.Data, &r)
	body, err := f.client.Get(ctx, KindData, target, redacted)
	if err != nil {
		return nil, fmt.Errorf("table %s: %w", table.ID, err)
	}

	outcome, err := DecodeData(body, f.code)
	if err != nil {
		return nil, fmt.Errorf("table %s range %s: %w", table.ID, r, err)
	}
	if outcome.RangeTooLarge {
		logger.Error("range too large for a template without year bounds", "range", r.String())
		return nil, fmt.Errorf("table %s: %w: range %s cannot be split without year placeholders", table.ID, ErrRangeExhausted, r)
	}

	logger.Debug("range fetched", "range", r.String(), "rows", len(outcome.Rows))
	return outcome.Rows, nil
}

// FetchMeta fetches the metadata artifact with a single request
func (f *Fetcher) FetchMeta(ctx context.Context, ep catalog.Endpoint, table catalog.SourceTable) ([]byte, string, error) {
	return f.fetchOne(ctx, ep, table, KindMeta, table.Meta)
}

// FetchLatest fetches the latest-change artifact with a single request
func (f *Fetcher) FetchLatest(ctx context.Context, ep catalog.Endpoint, table catalog.SourceTable) ([]byte, string, error) {
	return f.fetchOne(ctx, ep, table, KindLatest, table.Latest)
}

func (f *Fetcher) fetchOne(ctx context.Context, ep catalog.Endpoint, table catalog.SourceTable, kind string, tmpl *catalog.URLTemplate) ([]byte, string, error) {
	if tmpl == nil {
		return nil, "", fmt.Errorf("table %s %s: %w", table.ID, kind, ErrNoTemplate)
	}

	target, redacted := ExpandURL(ep, table, *tmpl, nil)
	body, err := f.client.Get(ctx, kind, target, redacted)
	if err != nil {
		return nil, "", fmt.Errorf("table %s %s: %w", table.ID, kind, err)
	}

	if tmpl.Format == catalog.FormatJSON {
		if code, msg, ok := errorObject(body); ok {
			return nil, "", fmt.Errorf("table %s %s: %w: %s %s", table.ID, kind, ErrProviderCode, code, msg)
		}
	}

	return body, tmpl.Format, nil
}

// ExpandURL substitutes the URL placeholders. r is nil for artifacts that are
// not range-scoped. The second result has the auth key masked.
func ExpandURL(ep catalog.Endpoint, table catalog.SourceTable, tmpl catalog.URLTemplate, r *YearRange) (target, redacted string) {
	expand := func(key string) string {
		pairs := []string{"{API_AUTH_KEY}", key}
		if r != nil {
			pairs = append(pairs,
				"{PRD_CNT}", strconv.Itoa(r.Width()),
				"{START_PRD_DE}", strconv.Itoa(r.From),
				"{END_PRD_DE}", strconv.Itoa(r.To),
			)
		}
		u := strings.NewReplacer(pairs...).Replace(tmpl.URL)
		if table.UseBaseURL {
			u = ep.BaseURL + u
		}
		return u
	}

	return expand(ep.AuthKey), expand(redactedKey)
}

// DecodeData interprets a data response body. A JSON object whose err field
// equals code is the range-too-large signal; any other error object is
// ErrProviderCode. A bare object is a single row.
func DecodeData(body []byte, code string) (Outcome, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Outcome{}, nil
	}

	switch trimmed[0] {
	case '[':
		var rows []json.RawMessage
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return Outcome{}, fmt.Errorf("decode data response: %w", err)
		}
		return Outcome{Rows: rows}, nil

	case '{':
		errCode, msg, ok := errorObject(trimmed)
		if !ok {
			if !json.Valid(trimmed) {
				return Outcome{}, fmt.Errorf("decode data response: invalid JSON object")
			}
			return Outcome{Rows: []json.RawMessage{json.RawMessage(trimmed)}}, nil
		}
		if errCode == code {
			return Outcome{RangeTooLarge: true}, nil
		}
		return Outcome{}, fmt.Errorf("%w: %s %s", ErrProviderCode, errCode, msg)

	default:
		return Outcome{}, fmt.Errorf("decode data response: expected JSON array or object")
	}
}

// errorObject extracts err/errMsg from a JSON error object.
func errorObject(body []byte) (code, msg string, ok bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return "", "", false
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return "", "", false
	}
	raw, found := obj["err"]
	if !found {
		return "", "", false
	}

	return scalar(raw), scalar(obj["errMsg"]), true
}

// scalar renders a JSON string or number without quotes.
func scalar(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
