// Package auditlog publishes audit events to tamper-evident CSV files and
// to buffered external sinks.
//
// Destinations
//
// 1. Secure CSV (csv_handler.go) - DEFAULT
//   - One file per topic, rotated by size into timestamped archives
//   - Every row chained with a forward-secure HMAC key
//   - Periodic signatures with the key held in an encrypted keystore
//   - Archives checked offline with cmd/csvverify
//
// 2. SQL (sql_sink.go)
//   - SQLite or PostgreSQL
//   - One transaction per table per batch
//
// 3. HTTP (http_sink.go, collector.go)
//   - JSON lines or protobuf batches posted to a Collector
//
// 4. Syslog (syslog.go)
//   - RFC 5424 over TCP or UDP, sync, async or buffered
//
// Usage:
//
//	cfg := auditlog.DefaultConfig()
//	cfg.CSV = &auditlog.CSVConfig{
//	    Dir:    "/var/log/audit",
//	    Topics: map[string][]string{"login": {"user", "result"}},
//	    Security: auditlog.CSVSecurity{
//	        Enabled:        true,
//	        KeyStore:       "/etc/audit/main.keystore",
//	        Password:       os.Getenv(auditlog.EnvKeyStorePassword),
//	        SignatureEvery: 100,
//	    },
//	}
//
//	svc, err := auditlog.NewFromConfig(cfg, auditlog.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	_ = svc.Startup()
//	defer svc.Shutdown()
//
//	svc.Publish(ctx, "login", map[string]any{"user": "alice", "result": "ok"})
//
// Buffered sinks sit behind a Publisher: Offer never blocks, and a full
// queue is reported as ErrServiceUnavailable. Records a sink hands back in
// Result.Retry are requeued until PublisherConfig.MaxRetries is exceeded.
package auditlog
