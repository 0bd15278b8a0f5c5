// Package config loads the collabd process configuration.
//
// Configuration comes from an optional YAML (.yaml, .yml) or TOML (.toml)
// file, chosen by extension. ${VAR} references in the file are expanded from
// the environment before parsing. COLLAB_* environment variables are applied
// last and win over the file.
//
// # Configuration File Structure
//
//	server:
//	  address: ":8080"
//	  allowed_origins: ["https://app.example.com"]
//	  flush_interval: 30s
//	realtime:
//	  heartbeat_interval: 30s
//	  send_queue_size: 256
//	storage:
//	  driver: postgres
//	  postgres:
//	    dsn: ${DATABASE_URL}
//	    auto_migrate: true
//	auth:
//	  secret: ${COLLAB_SECRET}
//	  allow_anonymous: false
//	log:
//	  level: info
//	  format: json
//
// # Usage
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    return err
//	}
//	srv, err := server.New(cfg.ServerConfig(), store)
package config
