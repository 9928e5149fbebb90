// Package config resolves detection configuration (program registries, network
// thresholds, behaviour rules, and the rest of the per-segment tuning data)
// from the dashboard, falling back through an encrypted on-disk cache, an
// embedded fallback, and finally legacy JSON files on disk. Exactly one tier
// wins per Load call; callers get whichever the chain settled on plus a
// "_meta.source" entry recording which one.
package config

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/time/rate"

	"github.com/coinpoker/endpoint-agent/pkg/common"
)

// dashboardRateLimit smooths dashboard fetch retries within an active
// backoff window: even once backoffUntil has passed, fetches are capped at
// one every two seconds so a config poll loop and a CheckForUpdates caller
// racing each other can't double the effective request rate.
const dashboardRateLimit = 0.5 // per second, burst 2

const (
	// DefaultCacheTTL is how long an in-RAM config set is trusted before the
	// next Load call re-fetches from the dashboard.
	DefaultCacheTTL = 5 * time.Minute

	// maxCacheAge is how stale an on-disk cache entry may be and still serve
	// as a fallback when the dashboard is unreachable.
	maxCacheAge = 24 * time.Hour

	// backoffBase and backoffCap bound the exponential backoff applied after
	// consecutive 503/429 responses: backoffBase * 2^(n-1), capped at backoffCap.
	backoffBase = 30 * time.Second
	backoffCap  = 10 * time.Minute

	keyPassword = "Ma!!orca123"
)

var keySalt = []byte("detector_cache_salt_2024")

// legacyConfigFiles maps a config category name to the on-disk JSON file the
// legacy fallback tier looks for, checked against each entry in SearchPaths
// in order; first match per category wins.
var legacyConfigFiles = map[string]string{
	"programs_registry":  "programs_registry.json",
	"programs_config":    "programs_config.json",
	"network_config":     "network_config.json",
	"screen_config":      "screen_config.json",
	"behaviour_config":   "behaviour_config.json",
	"vm_config":          "vm_config.json",
	"obfuscation_config": "obfuscation_config.json",
	"shared_config":      "shared_config.json",
}

// EmbeddedFallback supplies the tamper-proof config set baked into the
// binary, used when the cache directory doesn't exist (RAM-only mode) or the
// disk cache is absent/corrupt and no legacy JSON files are found either.
// main wires this to a //go:embed-backed loader; tests can stub it directly.
type EmbeddedFallback func() map[string]interface{}

// Loader implements the dashboard-then-cache-then-embedded-then-legacy
// config resolution chain. One Loader is shared by every segment so configs
// are fetched and decrypted once per process.
type Loader struct {
	baseURL    string
	httpClient *http.Client
	cacheTTL   time.Duration

	mu        sync.Mutex
	configs   map[string]interface{}
	lastFetch time.Time

	backoffUntil      time.Time
	backoffSeconds    time.Duration
	consecutiveErrors int
	lastBackoffLog    time.Time

	ramOnlyMode bool
	cacheFile   string
	searchPaths []string
	embedded    EmbeddedFallback
	fetchLimit  *rate.Limiter

	clock func() time.Time
}

// Config is the construction-time wiring for a Loader.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	CacheTTL   time.Duration

	// RAMOnly disables the on-disk encrypted cache entirely; Load falls
	// through straight to Embedded when the dashboard is unreachable.
	RAMOnly bool
	// CacheFile is the path to the encrypted cache, e.g. "<dir>/master_config.enc".
	// Ignored when RAMOnly is set.
	CacheFile string
	// SearchPaths are directories checked, in order, for legacy JSON config
	// files when every other tier is unavailable.
	SearchPaths []string
	Embedded    EmbeddedFallback
}

// New constructs a Loader. baseURL is the dashboard's API root, e.g.
// "https://dashboard.example.com/api".
func New(cfg Config) *Loader {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if !cfg.RAMOnly && cfg.CacheFile != "" {
		_ = os.MkdirAll(filepath.Dir(cfg.CacheFile), 0o755)
	}
	return &Loader{
		baseURL:     cfg.BaseURL,
		httpClient:  client,
		cacheTTL:    ttl,
		ramOnlyMode: cfg.RAMOnly,
		cacheFile:   cfg.CacheFile,
		searchPaths: cfg.SearchPaths,
		embedded:    cfg.Embedded,
		fetchLimit:  rate.NewLimiter(rate.Limit(dashboardRateLimit), 2),
		clock:       time.Now,
	}
}

// Load returns the current config set, fetching from the dashboard first
// unless force is false and the in-RAM copy is still within cacheTTL.
func (l *Loader) Load(ctx context.Context, force bool) map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !force && l.cacheValid() {
		return l.configs
	}

	if dashboard := l.fetchFromDashboard(ctx); dashboard != nil {
		setMeta(dashboard, "source", "dashboard")
		l.configs = dashboard
		l.lastFetch = l.clock()
		l.saveCache(dashboard)
		return dashboard
	}

	if !l.ramOnlyMode && l.cacheFile != "" {
		if cached := l.loadCache(); cached != nil {
			setMeta(cached, "source", "cache")
			l.configs = cached
			return cached
		}
	}

	fallback := l.loadFallback()
	l.configs = fallback
	l.lastFetch = l.clock()
	return fallback
}

// Get returns configs[category], or configs[category][key] when key is
// non-empty, or nil if either lookup misses.
func (l *Loader) Get(category, key string) interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	section, ok := l.configs[category]
	if !ok {
		return nil
	}
	if key == "" {
		return section
	}
	m, ok := section.(map[string]interface{})
	if !ok {
		return nil
	}
	return m[key]
}

// Cleanup drops the in-RAM config set; callers do this on shutdown so
// RAM-only mode leaves nothing behind.
func (l *Loader) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.configs = nil
	l.lastFetch = time.Time{}
}

// CheckForUpdates asks the dashboard for the current config checksum and
// reports whether it differs from the locally held set.
func (l *Loader) CheckForUpdates(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/configs/version", nil)
	if err != nil {
		return false
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	body = unwrapEnvelope(body)
	remoteChecksum, _ := body["checksum"].(string)

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.configs) == 0 {
		return true
	}
	return remoteChecksum != checksum(l.configs)
}

func (l *Loader) cacheValid() bool {
	return len(l.configs) > 0 && l.clock().Sub(l.lastFetch) < l.cacheTTL
}

func (l *Loader) fetchFromDashboard(ctx context.Context) map[string]interface{} {
	now := l.clock()
	if now.Before(l.backoffUntil) {
		remaining := l.backoffUntil.Sub(now)
		if now.Sub(l.lastBackoffLog) >= time.Minute {
			common.Info("config dashboard fetch skipped, backoff active", zap.Duration("remaining", remaining))
			l.lastBackoffLog = now
		}
		return nil
	}
	if !l.fetchLimit.Allow() {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/configs", nil)
	if err != nil {
		return nil
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		common.Error("config dashboard unreachable", err)
		return nil
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		l.consecutiveErrors = 0
		l.backoffUntil = time.Time{}
		l.backoffSeconds = 0

		var body map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			common.Error("config dashboard returned invalid json", err)
			return nil
		}
		body = unwrapEnvelope(body)
		if len(body) == 0 {
			return nil
		}
		return body

	case resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusTooManyRequests:
		l.consecutiveErrors++
		backoff := backoffBase * time.Duration(1<<uint(l.consecutiveErrors-1))
		if backoff > backoffCap {
			backoff = backoffCap
		}
		l.backoffSeconds = backoff
		l.backoffUntil = now.Add(backoff)
		l.lastBackoffLog = now
		common.Warn("config dashboard overloaded, backing off",
			zap.Int("status", resp.StatusCode),
			zap.Duration("backoff", backoff),
			zap.Int("attempt", l.consecutiveErrors),
		)
		return nil

	default:
		common.Warn("config dashboard returned unexpected status", zap.Int("status", resp.StatusCode))
		return nil
	}
}

// unwrapEnvelope peels off the {"ok": true, "data": {...}} response wrapper
// when present; an {"ok": false} envelope unwraps to nil.
func unwrapEnvelope(body map[string]interface{}) map[string]interface{} {
	if ok, present := body["ok"]; present {
		if okBool, _ := ok.(bool); okBool {
			if data, ok := body["data"].(map[string]interface{}); ok {
				return data
			}
			return nil
		}
		return nil
	}
	if success, present := body["success"]; present {
		if successBool, _ := success.(bool); !successBool {
			return nil
		}
		delete(body, "success")
	}
	return body
}

func (l *Loader) loadFallback() map[string]interface{} {
	if l.ramOnlyMode && l.embedded != nil {
		out := l.embedded()
		setMeta(out, "source", "embedded")
		return out
	}
	out := l.loadLegacyJSON()
	if len(out) <= 1 && l.embedded != nil { // only "_meta" present: legacy tier found nothing
		out = l.embedded()
		setMeta(out, "source", "embedded")
	}
	return out
}

func (l *Loader) loadLegacyJSON() map[string]interface{} {
	out := map[string]interface{}{}
	names := make([]string, 0, len(legacyConfigFiles))
	for name := range legacyConfigFiles {
		names = append(names, name)
	}
	sort.Strings(names)

	loaded := 0
	for _, name := range names {
		filename := legacyConfigFiles[name]
		for _, dir := range l.searchPaths {
			path := filepath.Join(dir, filename)
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			v := viper.New()
			v.SetConfigType("json")
			if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
				common.Warn("legacy config file unparseable", zap.String("path", path), zap.Error(err))
				continue
			}
			out[name] = v.AllSettings()
			loaded++
			break
		}
	}
	common.Info("legacy config load complete", zap.Int("loaded", loaded), zap.Int("known", len(legacyConfigFiles)))
	setMeta(out, "source", "local_files")
	return out
}

func setMeta(configs map[string]interface{}, key string, value interface{}) {
	meta, ok := configs["_meta"].(map[string]interface{})
	if !ok {
		meta = map[string]interface{}{}
	}
	meta[key] = value
	configs["_meta"] = meta
}

type cacheEnvelope struct {
	Timestamp float64                `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Checksum  string                 `json:"checksum"`
}

func (l *Loader) saveCache(data map[string]interface{}) {
	if l.ramOnlyMode || l.cacheFile == "" {
		return
	}
	envelope := cacheEnvelope{
		Timestamp: float64(l.clock().Unix()),
		Data:      data,
		Checksum:  checksum(data),
	}
	plain, err := json.Marshal(envelope)
	if err != nil {
		common.Error("config cache marshal failed", err)
		return
	}
	encrypted, err := encrypt(plain, deriveKey(l.clock()))
	if err != nil {
		common.Error("config cache encrypt failed", err)
		return
	}
	if err := os.WriteFile(l.cacheFile, encrypted, 0o600); err != nil {
		common.Error("config cache write failed", err)
		return
	}
	common.Info("config cache saved", zap.String("path", l.cacheFile))
}

func (l *Loader) loadCache() map[string]interface{} {
	raw, err := os.ReadFile(l.cacheFile)
	if err != nil {
		return nil
	}

	now := l.clock()
	envelope, todayErr := decryptEnvelope(raw, deriveKey(now))
	if todayErr != nil {
		var yesterdayErr error
		envelope, yesterdayErr = decryptEnvelope(raw, deriveKey(now.Add(-24*time.Hour)))
		if yesterdayErr != nil {
			common.Warn("config cache decrypt failed",
				zap.String("today_error", todayErr.Error()),
				zap.String("yesterday_error", yesterdayErr.Error()),
			)
			return nil
		}
		common.Info("config cache decrypted with previous day's key")
	}

	if envelope.Checksum != "" && envelope.Checksum != checksum(envelope.Data) {
		common.Warn("config cache checksum mismatch, treating as miss")
		return nil
	}

	age := now.Sub(time.Unix(int64(envelope.Timestamp), 0))
	if age >= maxCacheAge {
		common.Info("config cache too old, discarding", zap.Duration("age", age))
		return nil
	}
	l.lastFetch = time.Unix(int64(envelope.Timestamp), 0)
	return envelope.Data
}

func decryptEnvelope(raw, key []byte) (cacheEnvelope, error) {
	plain, err := decrypt(raw, key)
	if err != nil {
		return cacheEnvelope{}, err
	}
	var envelope cacheEnvelope
	if err := json.Unmarshal(plain, &envelope); err != nil {
		return cacheEnvelope{}, err
	}
	return envelope, nil
}

// deriveKey reproduces a date-salted PBKDF2 scheme: a fresh key every
// calendar day, so a cache file written yesterday needs yesterday's key.
func deriveKey(at time.Time) []byte {
	password := at.UTC().Format("2006_01_02") + keyPassword
	return pbkdf2.Key([]byte(password), keySalt, 100000, 32, sha256.New)
}

func encrypt(plain, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	sealed := gcm.Seal(nonce, nonce, plain, nil)
	return []byte(base64.StdEncoding.EncodeToString(sealed)), nil
}

func decrypt(encoded, key []byte) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("config: ciphertext too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// checksum is the MD5 of the data's canonical (key-sorted) JSON encoding;
// Go's encoding/json already sorts map keys, matching the canonicalization
// both the cache and the dashboard's own checksum rely on.
func checksum(data map[string]interface{}) string {
	b, _ := json.Marshal(data)
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}
