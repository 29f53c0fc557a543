package config

// RestartRequired lists the settings that differ between the running
// configuration and next but only take effect at startup.
func RestartRequired(running, next *Config) []string {
	var keys []string
	add := func(key string, changed bool) {
		if changed {
			keys = append(keys, key)
		}
	}
	add("erp.base_url", running.ERP.BaseURL != next.ERP.BaseURL)
	add("erp.endpoints", running.ERP.Endpoints != next.ERP.Endpoints)
	add("erp.timeout", running.ERP.Timeout != next.ERP.Timeout)
	add("erp.page_size", running.ERP.PageSize != next.ERP.PageSize)
	add("scheduler.enabled", running.Scheduler.Enabled != next.Scheduler.Enabled)
	add("databases", running.Databases != next.Databases)
	add("state_storage", running.StateStorage != next.StateStorage)
	add("server", running.Server != next.Server)
	return keys
}
