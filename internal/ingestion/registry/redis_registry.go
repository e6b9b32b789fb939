package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zsiec/sensorlink/internal/logger"
)

// KeyPrefix namespaces every registry key.
const KeyPrefix = "sensorlink:devices:"

var registerScript = redis.NewScript(`
	local key = KEYS[1]
	local active_key = KEYS[2]
	local data = ARGV[1]
	local ttl = tonumber(ARGV[2])
	local device_id = ARGV[3]
	local existing = redis.call('GET', key)
	if existing then
		local old = cjson.decode(existing)
		local new = cjson.decode(data)
		new.registered_at = old.registered_at
		data = cjson.encode(new)
	end
	redis.call('SET', key, data, 'PX', ttl)
	redis.call('SADD', active_key, device_id)
	return data
`)

var listScript = redis.NewScript(`
	local active_key = KEYS[1]
	local prefix = ARGV[1]
	local active = redis.call('SMEMBERS', active_key)
	local result = {}
	local to_remove = {}

	for i, id in ipairs(active) do
		local device = redis.call('GET', prefix .. id)
		if device then
			table.insert(result, device)
		else
			table.insert(to_remove, id)
		end
	end

	for i, id in ipairs(to_remove) do
		redis.call('SREM', active_key, id)
	end

	return result
`)

var statusScript = redis.NewScript(`
	local key = KEYS[1]
	local ttl = tonumber(ARGV[1])
	local status = ARGV[2]
	local now = ARGV[3]
	local data = redis.call('GET', key)
	if not data then
		return redis.error_reply("device not found")
	end
	local device = cjson.decode(data)
	device.status = status
	device.last_heartbeat = now
	redis.call('SET', key, cjson.encode(device), 'PX', ttl)
	return "OK"
`)

var statsScript = redis.NewScript(`
	local key = KEYS[1]
	local ttl = tonumber(ARGV[1])
	local stats = cjson.decode(ARGV[2])
	local now = ARGV[3]
	local data = redis.call('GET', key)
	if not data then
		return redis.error_reply("device not found")
	end
	local device = cjson.decode(data)
	device.packets_received = stats.packets_received
	device.dropped_total = stats.dropped_total
	device.backpressure_drops = stats.backpressure_drops
	device.malformed = stats.malformed
	device.rate_hz = stats.rate_hz
	device.reconnects = stats.reconnects
	device.last_heartbeat = now
	redis.call('SET', key, cjson.encode(device), 'PX', ttl)
	return "OK"
`)

// RedisRegistry implements Registry with one JSON value per device plus an
// active set for listing.
type RedisRegistry struct {
	client redis.UniversalClient
	logger logger.Logger
	prefix string
	ttl    time.Duration
}

func NewRedisRegistry(client redis.UniversalClient, log logger.Logger, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisRegistry{
		client: client,
		logger: logger.WithComponent(log, "registry"),
		prefix: KeyPrefix,
		ttl:    ttl,
	}
}

func (r *RedisRegistry) key(deviceID string) string {
	return r.prefix + deviceID
}

func (r *RedisRegistry) activeKey() string {
	return r.prefix + "active"
}

func (r *RedisRegistry) Register(ctx context.Context, device *Device) error {
	now := time.Now()
	if device.RegisteredAt.IsZero() {
		device.RegisteredAt = now
	}
	device.LastHeartbeat = now

	data, err := json.Marshal(device)
	if err != nil {
		return fmt.Errorf("failed to marshal device: %w", err)
	}

	stored, err := registerScript.Run(ctx, r.client,
		[]string{r.key(device.ID), r.activeKey()},
		data, r.ttl.Milliseconds(), device.ID).Text()
	if err != nil {
		return fmt.Errorf("failed to register device: %w", err)
	}

	var saved Device
	if err := json.Unmarshal([]byte(stored), &saved); err == nil {
		device.RegisteredAt = saved.RegisteredAt
	}

	r.logger.WithFields(map[string]interface{}{
		"device_id":  device.ID,
		"transport":  device.Transport,
		"session_id": device.SessionID,
		"status":     device.Status,
	}).Debug("Device registered")

	return nil
}

func (r *RedisRegistry) Unregister(ctx context.Context, deviceID string) error {
	deleted, err := r.client.Del(ctx, r.key(deviceID)).Result()
	if err != nil {
		return fmt.Errorf("failed to unregister device: %w", err)
	}

	if err := r.client.SRem(ctx, r.activeKey(), deviceID).Err(); err != nil {
		r.logger.WithError(err).Warnf("Failed to remove device %s from active set", deviceID)
	}

	if deleted == 0 {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}

	r.logger.WithField("device_id", deviceID).Info("Device unregistered")
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, deviceID string) (*Device, error) {
	data, err := r.client.Get(ctx, r.key(deviceID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	var device Device
	if err := json.Unmarshal(data, &device); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device: %w", err)
	}

	return &device, nil
}

func (r *RedisRegistry) List(ctx context.Context) ([]*Device, error) {
	res, err := listScript.Run(ctx, r.client, []string{r.activeKey()}, r.prefix).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected result type from script")
	}

	devices := make([]*Device, 0, len(values))
	for _, val := range values {
		data, ok := val.(string)
		if !ok {
			r.logger.Warn("Invalid data type in result")
			continue
		}

		var device Device
		if err := json.Unmarshal([]byte(data), &device); err != nil {
			r.logger.WithError(err).Warn("Failed to unmarshal device")
			continue
		}

		devices = append(devices, &device)
	}

	return devices, nil
}

func (r *RedisRegistry) UpdateStatus(ctx context.Context, deviceID string, status DeviceStatus) error {
	now := time.Now().Format(time.RFC3339Nano)

	err := statusScript.Run(ctx, r.client, []string{r.key(deviceID)},
		r.ttl.Milliseconds(), string(status), now).Err()
	if err != nil {
		return r.scriptError(deviceID, "update status", err)
	}

	r.logger.WithFields(map[string]interface{}{
		"device_id": deviceID,
		"status":    status,
	}).Debug("Device status updated")

	return nil
}

func (r *RedisRegistry) UpdateStats(ctx context.Context, deviceID string, stats *DeviceStats) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}

	now := time.Now().Format(time.RFC3339Nano)

	err = statsScript.Run(ctx, r.client, []string{r.key(deviceID)},
		r.ttl.Milliseconds(), string(statsJSON), now).Err()
	if err != nil {
		return r.scriptError(deviceID, "update stats", err)
	}

	return nil
}

func (r *RedisRegistry) scriptError(deviceID, op string, err error) error {
	if strings.Contains(err.Error(), "device not found") {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// Close closes the Redis client connection
func (r *RedisRegistry) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
