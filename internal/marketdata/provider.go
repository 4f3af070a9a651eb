// Package marketdata supplies the point-in-time market snapshot a trading
// run operates on. Snapshots arrive pre-built: an external collector writes
// bar history and indicator series to a file, and this package only loads
// and sanity-checks them. Nothing here talks to an exchange or computes an
// indicator.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	logger "github.com/sirupsen/logrus"

	"github.com/ducminhle1904/multi-strategy-bot/pkg/types"
)

// Provider hands out the market snapshot for the next run.
type Provider interface {
	// Snapshot returns the current market view. Implementations must return
	// an error rather than a partially usable snapshot; the data quality
	// gate decides what is tradable, not the provider.
	Snapshot(ctx context.Context) (*types.MarketSnapshot, error)
}

// FileProvider reads a JSON-encoded snapshot from a fixed path on every
// call. The collector process rewrites the file on its own schedule, so
// re-reading per run always picks up the freshest data it produced.
type FileProvider struct {
	path string
	log  *logger.Entry
}

// NewFileProvider returns a provider reading snapshots from path.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{
		path: path,
		log:  logger.WithField("component", "marketdata"),
	}
}

// Name identifies the provider in logs and reports.
func (p *FileProvider) Name() string {
	return fmt.Sprintf("file:%s", p.path)
}

// Snapshot loads and validates the snapshot file.
func (p *FileProvider) Snapshot(ctx context.Context) (*types.MarketSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot file %s: %w", p.path, err)
	}

	var snapshot types.MarketSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot file %s: %w", p.path, err)
	}
	if err := validate(&snapshot); err != nil {
		return nil, fmt.Errorf("snapshot file %s: %w", p.path, err)
	}

	p.log.WithFields(logger.Fields{
		"as_of":   snapshot.AsOf.Format("2006-01-02 15:04:05"),
		"symbols": len(snapshot.Symbols),
	}).Debug("Loaded market snapshot")

	return &snapshot, nil
}

// validate rejects snapshots that are structurally broken. Content-level
// checks (staleness, missing values, outliers) belong to the data quality
// gate; this only ensures the shape is usable at all.
func validate(snapshot *types.MarketSnapshot) error {
	if snapshot.AsOf.IsZero() {
		return fmt.Errorf("snapshot has no as_of timestamp")
	}
	for sym, series := range snapshot.Symbols {
		if series == nil {
			return fmt.Errorf("symbol %s has a null series", sym)
		}
		if series.Symbol == "" {
			series.Symbol = sym
		} else if series.Symbol != sym {
			return fmt.Errorf("symbol key %s names series %s", sym, series.Symbol)
		}
		for name, values := range series.Indicators {
			if len(values) > len(series.Bars) {
				return fmt.Errorf("symbol %s indicator %s has %d values for %d bars", sym, name, len(values), len(series.Bars))
			}
		}
	}
	return nil
}

// StaticProvider returns the same snapshot on every call, for callers that
// already hold one.
type StaticProvider struct {
	snapshot *types.MarketSnapshot
}

// NewStaticProvider wraps an already-built snapshot.
func NewStaticProvider(snapshot *types.MarketSnapshot) *StaticProvider {
	return &StaticProvider{snapshot: snapshot}
}

// Snapshot returns the wrapped snapshot.
func (p *StaticProvider) Snapshot(ctx context.Context) (*types.MarketSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.snapshot == nil {
		return nil, fmt.Errorf("no snapshot configured")
	}
	return p.snapshot, nil
}
