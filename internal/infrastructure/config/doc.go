// Package config handles loading and validating the NBE bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (NBEBRIDGE_*)
//   - Validation of required fields, including the controller credentials
//   - Default value handling
//
// Security Considerations:
//   - The controller password and broker/database credentials should be set
//     via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load(config.Path())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Device.Host)
package config
