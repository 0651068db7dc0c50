package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/VoxRelayAI/sip-realtime-gateway/pkg/logger"
	"github.com/VoxRelayAI/sip-realtime-gateway/pkg/redis"
)

const (
	CallKeyPrefix = "sipgw:call:info"

	// CallTTL bounds registry entries for calls whose stream dies without a
	// clean unregister (pod crash, network partition).
	CallTTL = 1 * time.Hour
)

// CallInfo is the observability record for one live call session.
type CallInfo struct {
	CallID     string    `json:"callId"`
	InstanceID string    `json:"instanceId"`
	StreamURL  string    `json:"streamUrl"`
	StartTime  time.Time `json:"startTime"`
}

// Registry tracks active call sessions in Redis so an operator can see which
// instance holds which call. Calls are fully independent; the registry is
// observability only and never gates call handling.
type Registry struct {
	redisSvc   redis.RedisServiceInterface
	instanceID string
}

func NewRegistry(redisSvc redis.RedisServiceInterface, instanceID string) *Registry {
	return &Registry{
		redisSvc:   redisSvc,
		instanceID: instanceID,
	}
}

// Register records an active call.
func (r *Registry) Register(ctx context.Context, info CallInfo) error {
	info.InstanceID = r.instanceID
	if info.StartTime.IsZero() {
		info.StartTime = time.Now()
	}

	data, _ := json.Marshal(info)
	key := fmt.Sprintf("%s:%s", CallKeyPrefix, info.CallID)

	err := r.redisSvc.SetValue(ctx, key, string(data), CallTTL)
	if err == nil {
		logger.Base().Info("Call registered",
			zap.String("call_id", info.CallID),
			zap.String("instance_id", r.instanceID))
	}
	return err
}

// Unregister removes a call after its stream closes.
func (r *Registry) Unregister(ctx context.Context, callID string) error {
	key := fmt.Sprintf("%s:%s", CallKeyPrefix, callID)
	return r.redisSvc.DelValue(ctx, key)
}

// ActiveCalls lists every registered call across all instances.
func (r *Registry) ActiveCalls(ctx context.Context) ([]CallInfo, error) {
	keys, err := r.redisSvc.ScanKeys(ctx, CallKeyPrefix+":*")
	if err != nil {
		return nil, fmt.Errorf("failed to scan call registry: %w", err)
	}

	calls := make([]CallInfo, 0, len(keys))
	for _, key := range keys {
		value, err := r.redisSvc.GetValue(ctx, key)
		if err != nil {
			if errors.Is(err, redis.ErrKeyNotExist) {
				continue // expired between scan and get
			}
			return nil, fmt.Errorf("failed to read call entry %s: %w", key, err)
		}
		var info CallInfo
		if err := json.Unmarshal([]byte(value), &info); err != nil {
			logger.Base().Warn("Skipping undecodable call registry entry",
				zap.String("key", key), zap.Error(err))
			continue
		}
		calls = append(calls, info)
	}
	return calls, nil
}
