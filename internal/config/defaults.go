package config

import (
	"github.com/knadh/koanf/v2"
)

func loadDefaults(k *koanf.Koanf) error {
	defaults := map[string]any{
		"logging.level":  "info",
		"logging.format": "pretty",

		"controller.health_check_interval":   "30s",
		"controller.health_check_timeout":    "30s",
		"controller.purge_interval":          "30s",
		"controller.node_staleness":          "2m",
		"controller.retry_interval":          "5s",
		"controller.session_request_timeout": "5m",
		"controller.queue_max_size":          0,
		"controller.new_session_threads":     4,
		"controller.reject_unsupported":      false,

		"node.max_sessions":         0,
		"node.session_timeout":      "5m",
		"node.heartbeat_period":     "1m",
		"node.drain_after_sessions": 0,
		"node.managed_downloads":    false,
		"node.scratch_dir":          "/tmp/openfleet",
	}

	for key, val := range defaults {
		k.Set(key, val)
	}
	return nil
}
