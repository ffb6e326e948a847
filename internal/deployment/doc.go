// Package deployment realizes a topology of an upstream database, cache
// servers and protocol adapters, and tears it down again.
//
// A Builder produces a validated Handle; a Controller starts it:
//
//	h, err := deployment.NewBuilder(dbconn.PostgreSQL, "ct_readers").
//	    DeployUpstream().
//	    ReaderReplicas(2).
//	    WithAdapters(1).
//	    WithServers(1, deployment.ServerParams{}.WithoutReaders()).
//	    EmbeddedReaders(true).
//	    AllowFullMaterialization().
//	    Build()
//	d, err := ctrl.Start(ctx, h)
//	defer d.Teardown(ctx)
//
// # Lifecycle
//
// Status moves Provisioning → Running → TornDown and never back. Start
// prepares the per-deployment database on the upstream, launches servers and
// then adapters, and waits for each to become ready. StartWithoutWaiting
// launches in the same order without the readiness gate.
//
// A failed start stops everything already launched and leaves the deployment
// torn down; its handle cannot be started again. Teardown is idempotent.
//
// # Ownership
//
// A Deployment owns its processes and the adapter connections it handed out.
// It never owns the upstream server: external upstreams are never touched and
// container upstreams are released by Controller.Close. The per-deployment
// database survives teardown, which is what lets a CleanupOnly deployment of
// the same name find and remove the replication artifacts.
package deployment
