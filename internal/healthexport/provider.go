// Package healthexport implements [health.Provider] on top of a health data
// export file. The file is a JSON document of quantity samples, category
// samples, and workout sessions; see [Document].
//
// The provider keeps the parsed document in memory. [Provider.Watch] polls
// the file and, when it changes, reloads it and fires the observers of every
// sample type whose content changed.
package healthexport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/njoerd114/healthrelay/internal/health"
)

// Document is the on-disk export format.
type Document struct {
	// Authorized mirrors the platform's read-permission state. A missing
	// field is treated as granted.
	Authorized *bool            `json:"authorized,omitempty"`
	Quantities []QuantityRecord `json:"quantities"`
	Categories []CategoryRecord `json:"categories"`
	Workouts   []WorkoutRecord  `json:"workouts"`
}

// QuantityRecord is a numeric sample (steps, kcal, minutes, bpm).
type QuantityRecord struct {
	Type  health.SampleType `json:"type"`
	Start time.Time         `json:"start"`
	End   time.Time         `json:"end"`
	Value float64           `json:"value"`
}

// CategoryRecord is an enumerated sample, e.g. a sleep stage.
type CategoryRecord struct {
	Type  health.SampleType `json:"type"`
	Start time.Time         `json:"start"`
	End   time.Time         `json:"end"`
	Value string            `json:"value"`
}

// WorkoutRecord is one exercise session.
type WorkoutRecord struct {
	ID           string    `json:"id"`
	Activity     string    `json:"activity"`
	Name         string    `json:"name"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	EnergyBurned *float64  `json:"energy_burned,omitempty"`
}

type observer struct {
	t        health.SampleType
	onChange func()
}

var _ health.Provider = (*Provider)(nil)

// Provider serves health queries from an export file. Create one with [Open].
type Provider struct {
	path string
	log  *slog.Logger

	mu         sync.RWMutex
	authorized bool
	samples    map[health.SampleType][]health.Sample
	workouts   []health.WorkoutSession
	digests    map[health.SampleType]string
	modTime    time.Time
	size       int64

	obsMu      sync.Mutex
	observers  map[health.ObserverHandle]observer
	nextHandle int
	background map[health.SampleType]bool
	onGranted  func()
}

// Open reads and indexes the export at path.
func Open(path string, logger *slog.Logger) (*Provider, error) {
	p := &Provider{
		path:       path,
		log:        logger,
		observers:  make(map[health.ObserverHandle]observer),
		background: make(map[health.SampleType]bool),
	}
	if _, err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads the export file and returns the sample types whose content
// changed since the previous load.
func (p *Provider) Reload() ([]health.SampleType, error) {
	info, err := os.Stat(p.path)
	if err != nil {
		return nil, fmt.Errorf("stat health export %q: %w", p.path, err)
	}
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("reading health export %q: %w", p.path, err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing health export %q: %w", p.path, err)
	}

	samples, workouts := index(&doc)
	digests := digest(samples, workouts)

	p.mu.Lock()
	var changed []health.SampleType
	for _, t := range health.KnownSampleTypes {
		if digests[t] != p.digests[t] {
			changed = append(changed, t)
		}
	}

	authorized := doc.Authorized == nil || *doc.Authorized
	granted := p.digests != nil && !p.authorized && authorized
	p.authorized = authorized
	p.samples = samples
	p.workouts = workouts
	p.digests = digests
	p.modTime = info.ModTime()
	p.size = info.Size()

	p.log.Debug("health export loaded",
		"path", p.path,
		"quantities", len(doc.Quantities),
		"categories", len(doc.Categories),
		"workouts", len(doc.Workouts),
		"changed_types", len(changed),
	)
	p.mu.Unlock()

	if granted {
		p.obsMu.Lock()
		fn := p.onGranted
		p.obsMu.Unlock()
		p.log.Info("health data access granted", "path", p.path)
		if fn != nil {
			fn()
		}
	}
	return changed, nil
}

// OnAuthorized registers fn to run whenever a reload flips the export from
// unauthorized to authorized. It replaces any earlier callback.
func (p *Provider) OnAuthorized(fn func()) {
	p.obsMu.Lock()
	defer p.obsMu.Unlock()
	p.onGranted = fn
}

// BackgroundTypes returns the sample types background delivery was enabled
// for, in [health.KnownSampleTypes] order.
func (p *Provider) BackgroundTypes() []health.SampleType {
	p.obsMu.Lock()
	defer p.obsMu.Unlock()
	var out []health.SampleType
	for _, t := range health.KnownSampleTypes {
		if p.background[t] {
			out = append(out, t)
		}
	}
	return out
}

// Watch polls the export file every interval until ctx is cancelled. When the
// file's size or modification time changes it is reloaded and observers of
// the changed types are called.
func (p *Provider) Watch(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.poll(); err != nil {
				p.log.Error("health export poll failed", "path", p.path, "error", err)
			}
		}
	}
}

func (p *Provider) poll() error {
	info, err := os.Stat(p.path)
	if err != nil {
		return fmt.Errorf("stat health export: %w", err)
	}

	p.mu.RLock()
	unchanged := info.ModTime().Equal(p.modTime) && info.Size() == p.size
	p.mu.RUnlock()
	if unchanged {
		return nil
	}

	changed, err := p.Reload()
	if err != nil {
		return err
	}
	p.notify(changed)
	return nil
}

// notify calls every observer registered for one of types.
func (p *Provider) notify(types []health.SampleType) {
	if len(types) == 0 {
		return
	}
	p.obsMu.Lock()
	var fire []func()
	for _, o := range p.observers {
		if slices.Contains(types, o.t) {
			fire = append(fire, o.onChange)
		}
	}
	p.obsMu.Unlock()

	p.log.Debug("health export changed", "types", types, "observers", len(fire))
	for _, fn := range fire {
		fn()
	}
}

// --- health.Provider ---------------------------------------------------------

// Authorized reports the export's authorization flag.
func (p *Provider) Authorized(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("authorization check: %w", err)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.authorized, nil
}

// QueryAggregate sums quantity samples of t whose start falls in r.
func (p *Provider) QueryAggregate(ctx context.Context, t health.SampleType, r health.TimeRange) (float64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, fmt.Errorf("aggregate %s: %w", t, err)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	var sum float64
	found := false
	for _, s := range p.samples[t] {
		if s.Start.Before(r.Start) || !s.Start.Before(r.End) {
			continue
		}
		sum += s.Value
		found = true
	}
	return sum, found, nil
}

// QuerySamples returns samples of t overlapping r.
func (p *Provider) QuerySamples(ctx context.Context, t health.SampleType, r health.TimeRange) ([]health.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("samples %s: %w", t, err)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []health.Sample
	for _, s := range p.samples[t] {
		if overlaps(s.Start, s.End, r) {
			out = append(out, s)
		}
	}
	return out, nil
}

// QueryWorkouts returns sessions overlapping r, optionally restricted to one
// activity category.
func (p *Provider) QueryWorkouts(ctx context.Context, r health.TimeRange, category string) ([]health.WorkoutSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("workouts: %w", err)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []health.WorkoutSession
	for _, w := range p.workouts {
		if category != "" && !strings.EqualFold(w.Category, category) {
			continue
		}
		if overlaps(w.Start, w.End, r) {
			out = append(out, w)
		}
	}
	return out, nil
}

// Observe registers onChange for changes to t.
func (p *Provider) Observe(t health.SampleType, onChange func()) (health.ObserverHandle, error) {
	if !known(t) {
		return "", fmt.Errorf("observe: unknown sample type %q", t)
	}
	p.obsMu.Lock()
	defer p.obsMu.Unlock()
	p.nextHandle++
	h := health.ObserverHandle(fmt.Sprintf("%s#%d", t, p.nextHandle))
	p.observers[h] = observer{t: t, onChange: onChange}
	return h, nil
}

// StopObserving removes a registration. Unknown handles are ignored.
func (p *Provider) StopObserving(h health.ObserverHandle) {
	p.obsMu.Lock()
	defer p.obsMu.Unlock()
	delete(p.observers, h)
}

// EnableBackgroundDelivery records t as delivered in the background. The
// watcher already runs regardless of foreground state, so this only
// validates the type.
func (p *Provider) EnableBackgroundDelivery(ctx context.Context, t health.SampleType) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("background delivery %s: %w", t, err)
	}
	if !known(t) {
		return fmt.Errorf("background delivery: unknown sample type %q", t)
	}
	p.obsMu.Lock()
	defer p.obsMu.Unlock()
	p.background[t] = true
	return nil
}

// --- helpers -----------------------------------------------------------------

func index(doc *Document) (map[health.SampleType][]health.Sample, []health.WorkoutSession) {
	samples := make(map[health.SampleType][]health.Sample)
	for _, q := range doc.Quantities {
		samples[q.Type] = append(samples[q.Type], health.Sample{
			Type:  q.Type,
			Start: q.Start,
			End:   q.End,
			Value: q.Value,
		})
	}
	for _, c := range doc.Categories {
		samples[c.Type] = append(samples[c.Type], health.Sample{
			Type:     c.Type,
			Start:    c.Start,
			End:      c.End,
			Category: c.Value,
		})
	}

	workouts := make([]health.WorkoutSession, 0, len(doc.Workouts))
	for _, w := range doc.Workouts {
		workouts = append(workouts, health.WorkoutSession{
			ID:           w.ID,
			Category:     w.Activity,
			Name:         w.Name,
			Start:        w.Start,
			End:          w.End,
			EnergyBurned: w.EnergyBurned,
		})
	}
	return samples, workouts
}

// digest returns a SHA-256 per sample type so reloads can tell which types
// actually changed.
func digest(samples map[health.SampleType][]health.Sample, workouts []health.WorkoutSession) map[health.SampleType]string {
	out := make(map[health.SampleType]string, len(samples)+1)
	for t, ss := range samples {
		h := sha256.New()
		for _, s := range ss {
			_, _ = fmt.Fprintf(h, "%d|%d|%g|%s;", s.Start.UnixNano(), s.End.UnixNano(), s.Value, s.Category)
		}
		out[t] = hex.EncodeToString(h.Sum(nil))
	}
	if len(workouts) > 0 {
		h := sha256.New()
		for _, w := range workouts {
			energy := -1.0
			if w.EnergyBurned != nil {
				energy = *w.EnergyBurned
			}
			_, _ = fmt.Fprintf(h, "%s|%s|%s|%d|%d|%g;", w.ID, w.Category, w.Name, w.Start.UnixNano(), w.End.UnixNano(), energy)
		}
		out[health.TypeWorkout] = hex.EncodeToString(h.Sum(nil))
	}
	return out
}

func overlaps(start, end time.Time, r health.TimeRange) bool {
	return start.Before(r.End) && end.After(r.Start)
}

func known(t health.SampleType) bool {
	return slices.Contains(health.KnownSampleTypes, t)
}
