// Package lockgov exposes the Go APIs behind a distributed pessimistic locking
// governor. Clients submit lock transactions, small programs written in the
// Op Tree language of package lang, to the zone governor responsible for
// their region. The governor evaluates each transaction atomically against
// its namespace tables and answers with a LockTransactionResult.
//
// # Running a server
//
// The server listens on the network specified by `Config.ListenProto` (default
// `tcp`) and address `Config.Listen` (default `:9441`).
//
//	cfg := lockgov.Config{
//	    Listen: ":9441",
//	    Host:   "gov-eu-1",
//	}
//	srv, err := lockgov.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("lockgov: %v", err)
//	    }
//	}()
//	defer func() {
//	    if err := srv.Shutdown(context.Background()); err != nil {
//	        log.Printf("lockgov shutdown: %v", err)
//	    }
//	}()
//
// StartServer wraps the same sequence and returns once the listener is bound.
//
// Shutdown first drains: for Config.DrainGrace every new transaction is
// refused with a retryable 503 `shutting_down` error so clients fail over to
// the zone's failover governor. Sessions and tables live in memory only and
// are lost when the process exits.
//
// # HTTP API
//
//	POST /v1/lock/execute       {session, transaction} -> LockTransactionResult
//	POST /v1/lock/end-session   {session_id} -> {ended, purged}
//	GET  /v1/lock/status        host, uptime, trust, sessions, namespaces
//	GET  /v1/lock/tables?namespace=NAME
//	GET  /healthz, /readyz
//
// Errors use the api.ErrorResponse envelope and set Retry-After when the
// caller should try again.
//
// # Trust and SLA
//
// Every transaction carries an SLA and a minimum trust level. The server
// compares the level reported by its trust assessor (host CPU and memory
// pressure by default, or a fixed level) before evaluating anything and
// rejects transactions it cannot honour.
//
// # Clients
//
// Package client resolves zone governors through a topology.Resolver, shards
// sessions over the primary governors of the nearest zone and retries on the
// failover governor when the primary is unreachable:
//
//	mgr := client.NewManager()
//	session, err := client.NewSession(ctx, mgr, resolver, "/world/eu/se", patientID)
//	if err != nil { return err }
//	defer session.Close(ctx)
//	res, err := mgr.ExecuteLockTransaction(ctx, session, txn)
//
// # Telemetry
//
// Structured logs go through pslog. Setting Config.MetricsListen serves
// Prometheus metrics, Config.OTLPEndpoint exports traces over OTLP and
// Config.PprofListen exposes net/http/pprof.
//
// # Testing
//
// StartTestServer binds a loopback listener with full trust and no drain
// grace, and returns handles for building a topology and a client manager
// against it.
package lockgov
