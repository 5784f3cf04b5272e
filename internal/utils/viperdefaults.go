package utils

import "github.com/spf13/viper"

// Set the viper defaults for a shakerrouter engine config.
//
// Keys are registered on the given instance rather than the global viper,
// so several configs may be loaded side by side (e.g. in tests).
// Per-channel arrays are deliberately left unset: absent means identity/unity.
// Filter cutoffs are unset too: an absent cutoff bypasses that filter section.
func SetViperDefaults(v *viper.Viper) {
	v.SetDefault("loglevel", "info")
	v.SetDefault("logfile", "")
	v.SetDefault("metricsaddress", "")
	v.SetDefault("recordpath", "")

	v.SetDefault("inputbackend", "capture")
	v.SetDefault("samplerate", 48000)
	v.SetDefault("exclusivemode", false)
	v.SetDefault("latencyms", 50)
	v.SetDefault("mixingmode", "FrontBoth")

	v.SetDefault("music.gaindb", 0.0)
	v.SetDefault("shaker.gaindb", 0.0)

	v.SetDefault("lfegaindb", 0.0)
	v.SetDefault("reargaindb", 0.0)
	v.SetDefault("sidegaindb", 0.0)
	v.SetDefault("centergaindb", 0.0)
	v.SetDefault("centerfromshaker", false)
	v.SetDefault("mastergaindb", 0.0)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.host", "127.0.0.1")
	v.SetDefault("telemetry.port", 7117)
	v.SetDefault("telemetry.path", "/")
	v.SetDefault("telemetry.gaindb", 0.0)
	v.SetDefault("telemetry.nudgetargetms", 40.0)
	v.SetDefault("telemetry.nudgedeadbandms", 10.0)
	v.SetDefault("telemetry.ingestmode", "auto")
}
