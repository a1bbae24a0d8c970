// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The server exposes the judge as three tools built with the mark3labs/mcp-go
// library: enqueue_code_execution queues a run and returns its job id at once,
// get_execution_status returns the job snapshot to poll, and list_languages
// reports the configured languages.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, judgeService)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
