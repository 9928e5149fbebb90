package config

import (
	_ "embed"
	"encoding/json"

	"github.com/coinpoker/endpoint-agent/pkg/common"
)

//go:embed embedded_default.json
var embeddedDefaultJSON []byte

// DefaultEmbedded parses the binary's baked-in config set and stamps it with
// an embedded-build version marker. It is the tamper-proof floor of the
// fallback chain: safe to call even when the cache directory and every
// legacy JSON search path are unavailable, since it reads nothing from disk.
func DefaultEmbedded() map[string]interface{} {
	var out map[string]interface{}
	if err := json.Unmarshal(embeddedDefaultJSON, &out); err != nil {
		common.Error("embedded config json invalid", err)
		return map[string]interface{}{}
	}
	setMeta(out, "version", "1.0.0-embedded")
	return out
}
