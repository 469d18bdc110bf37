// Package session captures a broader crash-recovery bundle than the backup
// manager: UI state, form values, navigation, and store snapshots, with
// field-level redaction of sensitive keys. Records are created on demand
// (error boundary trigger), not periodically, and expire on a fixed TTL.
package session

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dotcommander/stateguard/internal/models"
	"github.com/dotcommander/stateguard/internal/storage"
)

// RedactionMarker replaces values of sensitive-looking fields.
const RedactionMarker = "[REDACTED]"

// sensitiveFieldPattern matches form field names whose values must never be
// preserved in plain text.
var sensitiveFieldPattern = regexp.MustCompile(
	`(?i)(password|passwd|secret|token|api[_-]?key|ssn|social[_-]?security|credit[_-]?card|card[_-]?number|cvv|pin)`)

// Collector gathers the session bundle from the environment. The production
// collector walks UI panels and form registries; tests supply fixtures.
type Collector interface {
	Collect(ctx context.Context) (models.SessionData, error)
}

// CollectorFunc adapts a function to the Collector interface.
type CollectorFunc func(ctx context.Context) (models.SessionData, error)

// Collect implements Collector.
func (f CollectorFunc) Collect(ctx context.Context) (models.SessionData, error) { return f(ctx) }

// Cipher is the pluggable encryption hook. The default is nil (no
// encryption); records track whether they were encrypted so restore can
// reverse it.
type Cipher interface {
	Encrypt(plain []byte) ([]byte, error)
	Decrypt(enc []byte) ([]byte, error)
}

// Config tunes a Preserver.
type Config struct {
	// Key is the backend key holding the session record list.
	Key string
	// TTL is the fixed expiry applied to every record.
	TTL time.Duration
	// MaxSessions bounds the retained record count.
	MaxSessions int
	// IncludePrefixes restricts preserved store keys to these namespace
	// prefixes. Empty means everything.
	IncludePrefixes []string
	// ExcludeSubstrings drops store keys containing any of these fragments,
	// applied after the inclusion list.
	ExcludeSubstrings []string
	// RedactForms rewrites sensitive-looking form field values with
	// RedactionMarker.
	RedactForms bool
	// Compress gzips the serialized bundle.
	Compress bool
}

func (c *Config) applyDefaults() {
	if c.Key == "" {
		c.Key = "stateguard/sessions"
	}
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 5
	}
	if c.ExcludeSubstrings == nil {
		c.ExcludeSubstrings = []string{"secret", "credential", "private"}
	}
}

// Preserver captures and restores SessionRecords through a pluggable
// storage backend.
type Preserver struct {
	mu        sync.Mutex
	cfg       Config
	backend   storage.Backend
	collector Collector
	cipher    Cipher
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Preserver.
type Option func(*Preserver)

// WithCipher installs an encryption hook.
func WithCipher(c Cipher) Option {
	return func(p *Preserver) { p.cipher = c }
}

// WithLogger sets the preserver's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Preserver) { p.logger = logger }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Preserver) { p.now = now }
}

// New builds a Preserver.
func New(backend storage.Backend, collector Collector, cfg Config, opts ...Option) *Preserver {
	cfg.applyDefaults()
	p := &Preserver{
		cfg:       cfg,
		backend:   backend,
		collector: collector,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Preserve captures the current session. reason names the trigger (e.g.
// "crash", "fatal-error"); errorID links the record to a ledger entry; extra
// is merged into the bundle's custom section. Returns the stored record's id.
func (p *Preserver) Preserve(ctx context.Context, reason, errorID string, extra map[string]any) (string, error) {
	data, err := p.collector.Collect(ctx)
	if err != nil {
		return "", fmt.Errorf("collect session data: %w", err)
	}

	data.Stores = p.filterStores(data.Stores)
	if p.cfg.RedactForms {
		data.Forms = redactSensitive(data.Forms)
	}
	if extra != nil {
		if data.Custom == nil {
			data.Custom = map[string]any{}
		}
		for k, v := range extra {
			data.Custom[k] = v
		}
	}

	plain, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("serialize session data: %w", err)
	}
	sum := sha256.Sum256(plain)

	payload := plain
	compressed := false
	if p.cfg.Compress {
		if gz, gerr := gzipBytes(plain); gerr == nil {
			payload = gz
			compressed = true
		} else {
			p.logger.Warn("session compression failed, storing uncompressed", "error", gerr)
		}
	}

	encrypted := false
	if p.cipher != nil {
		enc, cerr := p.cipher.Encrypt(payload)
		if cerr != nil {
			return "", fmt.Errorf("encrypt session payload: %w", cerr)
		}
		payload = enc
		encrypted = true
	}

	now := p.now()
	rec := models.SessionRecord{
		ID:         uuid.NewString(),
		Timestamp:  now,
		ExpiresAt:  now.Add(p.cfg.TTL),
		Checksum:   hex.EncodeToString(sum[:]),
		Compressed: compressed,
		Encrypted:  encrypted,
		Payload:    payload,
		Metadata: models.SessionMetadata{
			Reason:  reason,
			ErrorID: errorID,
			Size:    len(plain),
		},
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	records, err := p.loadLocked(ctx)
	if err != nil {
		return "", err
	}
	records = append([]models.SessionRecord{rec}, records...)
	records = p.pruneLocked(records)

	if err := p.saveLocked(ctx, records); err != nil {
		return "", err
	}

	p.logger.Info("session preserved",
		"id", rec.ID, "reason", reason, "error_id", errorID, "size", rec.Metadata.Size)
	return rec.ID, nil
}

// Restore returns the preserved bundle for id. Distinct failures: not found,
// expired (the record is removed), and integrity check failed.
func (p *Preserver) Restore(ctx context.Context, id string) (models.SessionData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	records, err := p.loadLocked(ctx)
	if err != nil {
		return models.SessionData{}, err
	}

	idx := -1
	for i := range records {
		if records[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return models.SessionData{}, models.ErrSessionNotFound
	}
	rec := records[idx]

	if rec.Expired(p.now()) {
		records = append(records[:idx], records[idx+1:]...)
		if serr := p.saveLocked(ctx, records); serr != nil {
			p.logger.Warn("failed to remove expired session", "id", id, "error", serr)
		}
		return models.SessionData{}, &models.SessionExpiredError{ID: id, ExpiredAt: rec.ExpiresAt}
	}

	payload := rec.Payload
	if rec.Encrypted {
		if p.cipher == nil {
			return models.SessionData{}, fmt.Errorf("session %s is encrypted but no cipher configured", id)
		}
		payload, err = p.cipher.Decrypt(payload)
		if err != nil {
			return models.SessionData{}, fmt.Errorf("decrypt session %s: %w", id, err)
		}
	}
	if rec.Compressed {
		payload, err = gunzipBytes(payload)
		if err != nil {
			return models.SessionData{}, &models.IntegrityError{
				Kind: "session", ID: id, Expected: rec.Checksum, Actual: "undecodable",
			}
		}
	}

	sum := sha256.Sum256(payload)
	actual := hex.EncodeToString(sum[:])
	if actual != rec.Checksum {
		return models.SessionData{}, &models.IntegrityError{
			Kind: "session", ID: id, Expected: rec.Checksum, Actual: actual,
		}
	}

	var data models.SessionData
	if err := json.Unmarshal(payload, &data); err != nil {
		return models.SessionData{}, fmt.Errorf("deserialize session %s: %w", id, err)
	}
	return data, nil
}

// Sessions lists retained records, newest first, payloads omitted.
func (p *Preserver) Sessions(ctx context.Context) ([]models.SessionRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	records, err := p.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.SessionRecord, len(records))
	for i, r := range records {
		r.Payload = nil
		out[i] = r
	}
	return out, nil
}

// loadLocked reads the record list; a missing key is an empty list.
func (p *Preserver) loadLocked(ctx context.Context) ([]models.SessionRecord, error) {
	raw, err := p.backend.Get(ctx, p.cfg.Key)
	if err != nil {
		if errors.Is(err, models.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load session list: %w", err)
	}
	var records []models.SessionRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		p.logger.Warn("session list malformed, starting fresh", "key", p.cfg.Key, "error", err)
		return nil, nil
	}
	return records, nil
}

func (p *Preserver) saveLocked(ctx context.Context, records []models.SessionRecord) error {
	raw, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal session list: %w", err)
	}
	if err := p.backend.Set(ctx, p.cfg.Key, raw); err != nil {
		return fmt.Errorf("persist session list: %w", err)
	}
	return nil
}

// pruneLocked enforces both the TTL and the count bound on every preserve.
func (p *Preserver) pruneLocked(records []models.SessionRecord) []models.SessionRecord {
	now := p.now()
	kept := records[:0]
	for _, r := range records {
		if r.Expired(now) {
			continue
		}
		kept = append(kept, r)
		if len(kept) == p.cfg.MaxSessions {
			break
		}
	}
	return kept
}

// filterStores applies the inclusion prefixes minus the exclusion substrings.
func (p *Preserver) filterStores(stores map[string]any) map[string]any {
	if stores == nil {
		return nil
	}
	out := make(map[string]any, len(stores))
	for key, v := range stores {
		if !p.included(key) || p.excluded(key) {
			continue
		}
		out[key] = v
	}
	return out
}

func (p *Preserver) included(key string) bool {
	if len(p.cfg.IncludePrefixes) == 0 {
		return true
	}
	for _, prefix := range p.cfg.IncludePrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

func (p *Preserver) excluded(key string) bool {
	lower := strings.ToLower(key)
	for _, frag := range p.cfg.ExcludeSubstrings {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// redactSensitive rewrites values of sensitive-looking field names,
// recursing into nested maps (form sections).
func redactSensitive(forms map[string]any) map[string]any {
	if forms == nil {
		return nil
	}
	out := make(map[string]any, len(forms))
	for k, v := range forms {
		if sensitiveFieldPattern.MatchString(k) {
			out[k] = RedactionMarker
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = redactSensitive(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func gzipBytes(in []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(in); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(in []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(in))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
