// Package config handles loading and validating Gray Logic Bus configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with GRAYBUS_* environment variables
//   - Validation of required fields (all failures reported together)
//   - Default value handling
//
// Security Considerations:
//   - Broker credentials and tokens should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Messaging.Transport)
package config
