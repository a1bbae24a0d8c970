// Package config provides application configuration management.
//
// The config package loads the judge configuration from a YAML file, an
// optional .env file and CODEJUDGE_* environment variables, in increasing
// order of precedence. It covers the MCP server, the sandbox backend and its
// resource limits, the worker pool, the submission sink, the NATS transport,
// logging and the language catalog.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Sandbox backend: %s\n", cfg.Sandbox.Backend)
package config
