package config

// SummarizeChange names the top-level sections that differ between two
// configs. Used for reload logging only.
func SummarizeChange(oldCfg, newCfg *Config) []string {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var changed []string
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
	}
	if oldCfg.Runtimes != newCfg.Runtimes {
		changed = append(changed, "runtimes")
	}
	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
	}
	if oldCfg.Diag != newCfg.Diag {
		changed = append(changed, "diag")
	}
	return changed
}
