// Package config provides loading and environment overlay for redq server
// configuration. It exposes a Default() baseline, JSON or YAML files, and
// REDQ_* variables, and builds the broker-side redelivery policy map.
//
// Example:
//
//	cfg, err := config.Load("/etc/redq.yaml")
//	if err != nil {
//	    return err
//	}
//	config.FromEnv(&cfg)
//	policies, err := cfg.PolicyMap()
package config
