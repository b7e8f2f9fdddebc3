// Package config handles loading and validating tuyalocal core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (TUYALOCAL_SECTION_KEY)
//   - Validation of required fields and of the seed device list
//   - Default value handling
//
// Security Considerations:
//   - Device local keys, cloud tokens and the JWT secret are credentials.
//     Prefer environment variables for the cloud and JWT values and keep the
//     config file at 0600.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	threshold := cfg.Session.OfflineEventThreshold()
package config
