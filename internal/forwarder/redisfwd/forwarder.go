// Package redisfwd writes batch reports directly into Redis using the
// layout the dashboard reads from, bypassing the HTTP forwarder
// entirely. Like the HTTP forwarder it keeps a bounded buffer drained
// on its own interval, plus an out-of-band path for "Player Name Detected"
// signals that must land in Redis immediately rather than waiting for the
// next batch window.
package redisfwd

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/coinpoker/endpoint-agent/internal/identity"
	"github.com/coinpoker/endpoint-agent/internal/redisschema"
	"github.com/coinpoker/endpoint-agent/pkg/common"
	"github.com/coinpoker/endpoint-agent/pkg/signal"
)

const bufferCap = 200

// Config configures the Redis forwarder.
type Config struct {
	URL        string
	TTLSeconds int
	Interval   time.Duration
}

// Forwarder writes Unified Scan Report signals and Player Name Detected
// signals into Redis, maintaining the dashboard's device hash, time
// indexes, and pub/sub update channels.
type Forwarder struct {
	cfg    Config
	client *redis.Client
	keys   redisschema.Keys

	mu     sync.Mutex
	buffer []signal.Signal

	nicknameMu sync.Mutex
	nicknames  map[string]string

	deviceID   string
	deviceName string

	cancel context.CancelFunc
	done   chan struct{}
}

// New connects to Redis at cfg.URL and returns a Forwarder, or (nil, err) if
// the URL is empty or the connection cannot be established. A nil URL is not
// an error: it means the feature is simply disabled.
func New(ctx context.Context, cfg Config, fallbackDeviceID, fallbackDeviceName string) (*Forwarder, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.TTLSeconds <= 0 {
		cfg.TTLSeconds = redisschema.DefaultTTLSeconds()
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, common.WrapError(err, "parse redis forwarder url", nil)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, common.WrapError(err, "ping redis forwarder", nil)
	}

	return &Forwarder{
		cfg:        cfg,
		client:     client,
		nicknames:  make(map[string]string),
		deviceID:   fallbackDeviceID,
		deviceName: fallbackDeviceName,
	}, nil
}

// OnSignal is the EventBus listener this forwarder subscribes with.
func (f *Forwarder) OnSignal(sig signal.Signal) {
	if sig.Category != signal.CategorySystem {
		return
	}
	if sig.Name == "Player Name Detected" {
		f.handlePlayerName(sig)
		return
	}
	if strings.Contains(sig.Name, "Scan Report") {
		f.mu.Lock()
		f.buffer = append(f.buffer, sig)
		if len(f.buffer) > bufferCap {
			f.buffer = f.buffer[1:]
		}
		f.mu.Unlock()
	}
}

// Start launches the drain loop.
func (f *Forwarder) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})
	go f.loop(runCtx)
}

// Stop signals the drain loop to exit, waits briefly, then closes the client.
func (f *Forwarder) Stop() {
	if f.cancel != nil {
		f.cancel()
		select {
		case <-f.done:
		case <-time.After(time.Second):
		}
	}
	_ = f.client.Close()
}

func (f *Forwarder) loop(ctx context.Context) {
	defer close(f.done)
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.drain(ctx)
		}
	}
}

func (f *Forwarder) drain(ctx context.Context) {
	f.mu.Lock()
	if len(f.buffer) == 0 {
		f.mu.Unlock()
		return
	}
	batch := f.buffer
	f.buffer = nil
	f.mu.Unlock()

	for _, sig := range batch {
		if sig.Details == "" {
			continue
		}
		var report map[string]interface{}
		if err := json.Unmarshal([]byte(sig.Details), &report); err != nil {
			common.Error("redis forwarder failed to parse batch JSON", common.WrapError(err, "unmarshal batch details", nil))
			continue
		}
		deviceID := sig.DeviceID
		if deviceID == "" {
			deviceID = f.deviceID
		}
		deviceName := sig.DeviceName
		if deviceName == "" {
			deviceName = f.deviceName
		}
		if err := f.storeBatchReport(ctx, deviceID, deviceName, report, int64(sig.Timestamp)); err != nil {
			common.Error("redis forwarder failed to store batch report", err)
		}
	}
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

func num(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return 0
}

func mapOf(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}

func sliceOf(v interface{}) []interface{} {
	s, _ := v.([]interface{})
	return s
}

func (f *Forwarder) storeBatchReport(ctx context.Context, deviceID, deviceName string, report map[string]interface{}, timestamp int64) error {
	nickname := strings.TrimSpace(str(report["nickname"]))
	if nickname == "" {
		nickname = f.cachedNickname(deviceID)
	}
	if nickname == "" {
		existing, err := f.client.HGetAll(ctx, f.keys.DeviceHash(deviceID)).Result()
		if err == nil {
			nickname = existing["player_nickname"]
		}
	}
	if nickname != "" {
		report["nickname"] = nickname
		f.cacheNickname(deviceID, nickname)
	}

	summary := mapOf(report["summary"])
	botProbability := num(report["bot_probability"])

	batchKey := f.keys.BatchRecord(deviceID, timestamp)
	batchRecord := map[string]interface{}{
		"timestamp":           timestamp,
		"bot_probability":     botProbability,
		"raw_detection_score": num(summary["raw_detection_score"]),
		"critical":            num(summary["critical"]),
		"alert":               num(summary["alert"]),
		"warn":                num(summary["warn"]),
		"info":                num(summary["info"]),
		"threats":             len(sliceOf(report["aggregated_threats"])),
		"categories":          report["categories"],
		"aggregated_threats":  report["aggregated_threats"],
		"summary":             summary,
		"nickname":            nickname,
	}
	if meta, ok := report["metadata"]; ok {
		batchRecord["meta"] = meta
	}
	encoded, err := json.Marshal(batchRecord)
	if err != nil {
		return common.WrapError(err, "marshal batch record", nil)
	}
	ttl := time.Duration(f.cfg.TTLSeconds) * time.Second
	if err := f.client.Set(ctx, batchKey, encoded, ttl).Err(); err != nil {
		return common.NewError("ERR_FWD_REDIS", "set batch record failed", nil)
	}

	device := mapOf(report["device"])
	system := mapOf(report["system"])
	hostname := str(device["hostname"])
	if hostname == "" {
		hostname = str(system["host"])
	}
	var metaHostname string
	if meta, ok := report["metadata"].(map[string]interface{}); ok {
		metaHostname = str(meta["hostname"])
	}
	resolved := identity.ResolveDeviceName(deviceID, identity.Sources{
		BatchNickname:       str(report["nickname"]),
		BatchDevice:         str(report["device_name"]),
		BatchSystemHost:     hostname,
		BatchDeviceHostname: str(device["hostname"]),
		BatchMetaHostname:   metaHostname,
		SignalDeviceName:    deviceName,
	}, identity.DefaultPriority)

	if err := f.updateDevice(ctx, deviceID, resolved, hostname, str(report["device_ip"]), botProbability, timestamp, nickname); err != nil {
		return err
	}

	if err := f.client.Set(ctx, f.keys.DeviceDetections(deviceID, "CRITICAL"), int64(num(summary["critical"])), ttl).Err(); err != nil {
		return common.NewError("ERR_FWD_REDIS", "set critical detections failed", nil)
	}
	if err := f.client.Set(ctx, f.keys.DeviceDetections(deviceID, "WARN"), int64(num(summary["warn"])), ttl).Err(); err != nil {
		return common.NewError("ERR_FWD_REDIS", "set warn detections failed", nil)
	}
	if err := f.client.Set(ctx, f.keys.DeviceDetections(deviceID, "ALERT"), int64(num(summary["alert"])), ttl).Err(); err != nil {
		return common.NewError("ERR_FWD_REDIS", "set alert detections failed", nil)
	}

	at := time.Unix(timestamp, 0).UTC()
	day := at.Format("2006-01-02")
	hour := at.Format("2006-01-02T15")

	if err := f.client.ZAdd(ctx, f.keys.BatchesHourly(deviceID), &redis.Z{Score: float64(timestamp), Member: batchKey}).Err(); err != nil {
		return common.NewError("ERR_FWD_REDIS", "zadd hourly index failed", nil)
	}
	if err := f.client.ZAdd(ctx, f.keys.BatchesDaily(deviceID), &redis.Z{Score: float64(timestamp), Member: batchKey}).Err(); err != nil {
		return common.NewError("ERR_FWD_REDIS", "zadd daily index failed", nil)
	}

	dayKey := f.keys.DayStats(deviceID, day)
	hourKey := f.keys.HourStats(deviceID, hour)
	pipe := f.client.Pipeline()
	pipe.HIncrBy(ctx, dayKey, "reports", 1)
	pipe.HIncrBy(ctx, dayKey, "score_sum", int64(botProbability))
	pipe.Expire(ctx, dayKey, ttl)
	pipe.HIncrBy(ctx, hourKey, "reports", 1)
	pipe.HIncrBy(ctx, hourKey, "score_sum", int64(botProbability))
	pipe.Expire(ctx, hourKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return common.NewError("ERR_FWD_REDIS", "update day/hour stats failed", nil)
	}

	notice, _ := json.Marshal(map[string]interface{}{"timestamp": timestamp, "device_id": deviceID})
	if err := f.client.Publish(ctx, f.keys.DeviceUpdatesChannel(deviceID), notice).Err(); err != nil {
		return common.NewError("ERR_FWD_REDIS", "publish device update failed", nil)
	}
	if err := f.client.Publish(ctx, f.keys.GlobalUpdatesChannel(), notice).Err(); err != nil {
		return common.NewError("ERR_FWD_REDIS", "publish global update failed", nil)
	}
	return nil
}

func (f *Forwarder) updateDevice(ctx context.Context, deviceID, deviceName, hostname, deviceIP string, botProbability float64, timestamp int64, nickname string) error {
	deviceKey := f.keys.DeviceHash(deviceID)
	ttl := time.Duration(f.cfg.TTLSeconds) * time.Second

	existing, _ := f.client.HGetAll(ctx, deviceKey).Result()
	sessionStart := existing["session_start"]
	if sessionStart == "" {
		sessionStart = strconv.FormatInt(timestamp, 10)
	}

	fields := map[string]interface{}{
		"device_id":     deviceID,
		"last_seen":     strconv.FormatInt(timestamp, 10),
		"threat_level":  strconv.Itoa(int(botProbability)),
		"session_start": sessionStart,
	}
	if deviceName != "" && deviceName != deviceID {
		fields["device_name"] = deviceName
	}
	if hostname != "" {
		fields["device_hostname"] = hostname
	}
	if deviceIP != "" {
		fields["ip_address"] = deviceIP
	}
	if nickname != "" {
		fields["player_nickname"] = nickname
	} else if existing["player_nickname"] != "" {
		fields["player_nickname"] = existing["player_nickname"]
	}

	if err := f.client.HSet(ctx, deviceKey, fields).Err(); err != nil {
		return common.NewError("ERR_FWD_REDIS", "hset device hash failed", nil)
	}
	if err := f.client.Expire(ctx, deviceKey, ttl).Err(); err != nil {
		return common.NewError("ERR_FWD_REDIS", "expire device hash failed", nil)
	}

	threatKey := f.keys.DeviceThreat(deviceID)
	if err := f.client.Set(ctx, threatKey, strconv.Itoa(int(botProbability)), ttl).Err(); err != nil {
		return common.NewError("ERR_FWD_REDIS", "set device threat failed", nil)
	}

	if err := f.client.ZAdd(ctx, f.keys.DeviceIndex(), &redis.Z{Score: float64(timestamp * 1000), Member: deviceID}).Err(); err != nil {
		return common.NewError("ERR_FWD_REDIS", "zadd device index failed", nil)
	}
	if err := f.client.ZAdd(ctx, f.keys.TopPlayers(), &redis.Z{Score: botProbability, Member: deviceID}).Err(); err != nil {
		return common.NewError("ERR_FWD_REDIS", "zadd top players failed", nil)
	}

	summaryFields := map[string]interface{}{
		"bot_probability": strconv.Itoa(int(botProbability)),
		"last_seen":       strconv.FormatInt(timestamp, 10),
	}
	if nickname != "" {
		summaryFields["nickname"] = nickname
	}
	summaryKey := f.keys.PlayerSummary(deviceID)
	if err := f.client.HSet(ctx, summaryKey, summaryFields).Err(); err != nil {
		return common.NewError("ERR_FWD_REDIS", "hset player summary failed", nil)
	}
	if err := f.client.Expire(ctx, summaryKey, ttl).Err(); err != nil {
		return common.NewError("ERR_FWD_REDIS", "expire player summary failed", nil)
	}
	return nil
}

func (f *Forwarder) handlePlayerName(sig signal.Signal) {
	if sig.Details == "" {
		return
	}
	var payload struct {
		PlayerName    string      `json:"player_name"`
		Nickname      string      `json:"nickname"`
		ConfidencePct interface{} `json:"confidence_percent"`
		Confidence    interface{} `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(sig.Details), &payload); err != nil {
		common.Error("redis forwarder failed to parse player name signal", common.WrapError(err, "unmarshal player name details", nil))
		return
	}
	nickname := strings.TrimSpace(payload.PlayerName)
	if nickname == "" {
		nickname = strings.TrimSpace(payload.Nickname)
	}
	if nickname == "" {
		return
	}

	deviceID := sig.DeviceID
	if deviceID == "" {
		deviceID = f.deviceID
	}
	f.cacheNickname(deviceID, nickname)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	deviceKey := f.keys.DeviceHash(deviceID)
	fields := map[string]interface{}{"player_nickname": nickname}
	confidence := payload.ConfidencePct
	if confidence == nil {
		confidence = payload.Confidence
	}
	if confidence != nil {
		fields["player_nickname_confidence"] = confidence
	}
	if err := f.client.HSet(ctx, deviceKey, fields).Err(); err != nil {
		common.Error("redis forwarder failed to persist nickname", common.NewError("ERR_FWD_REDIS", "hset nickname failed", nil))
		return
	}
	ttl := time.Duration(f.cfg.TTLSeconds) * time.Second
	_ = f.client.Expire(ctx, deviceKey, ttl).Err()
}

func (f *Forwarder) cacheNickname(deviceID, nickname string) {
	f.nicknameMu.Lock()
	defer f.nicknameMu.Unlock()
	f.nicknames[deviceID] = nickname
}

func (f *Forwarder) cachedNickname(deviceID string) string {
	f.nicknameMu.Lock()
	defer f.nicknameMu.Unlock()
	return f.nicknames[deviceID]
}
