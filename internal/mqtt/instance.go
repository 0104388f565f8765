package mqtt

import (
	"fmt"

	"github.com/google/uuid"
)

// KV is the persistent store the instance ID lives in.
type KV interface {
	Get(key string) (string, error)
	Set(key, value string) error
}

const instanceKey = "instance_id"

// LoadOrCreateInstanceID returns the unit's instance ID, generating and
// persisting a UUIDv7 on first run. It identifies this installation in
// the status API independently of the configured room.
func LoadOrCreateInstanceID(kv KV) (string, error) {
	id, err := kv.Get(instanceKey)
	if err != nil {
		return "", fmt.Errorf("load instance ID: %w", err)
	}
	if id != "" {
		return id, nil
	}

	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}
	id = u.String()
	if err := kv.Set(instanceKey, id); err != nil {
		return "", fmt.Errorf("persist instance ID: %w", err)
	}
	return id, nil
}
