// Package rebill provides a subscription billing lifecycle engine for Go applications.
//
// Rebill is designed as a library, not a service. Import it directly into your Go
// application and drive it from your own scheduler. It provides:
//
//   - Subscription lifecycle as an explicit state machine with guarded transitions
//   - Payment attempt tracking with idempotent gateway submission
//   - Failure classification and per-category retry policies with backoff
//   - Grace windows for recoverable payment failures before expiry
//   - Billing cycle arithmetic with month-end clamping and proration
//   - Integer Money arithmetic with remainder-safe allocation
//   - Pluggable payment gateways, discounts and event hooks
//
// # Quick Start
//
// Create an engine with your preferred store and gateway:
//
//	import (
//	    "github.com/rebillhq/rebill"
//	    "github.com/rebillhq/rebill/store/postgres"
//	)
//
//	// Initialize store
//	store, err := postgres.Open(databaseURL)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Create engine
//	engine := rebill.New(store, gw)
//
//	// Start the engine (migrates the store, no background workers)
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
//
// # Core Concepts
//
// Subscriptions carry their own price and billing cycle:
//
//	sub := subscription.New("cust_42", rebill.USD(4900), cycle.Monthly(), time.Now())
//	if err := engine.CreateSubscription(ctx, sub); err != nil {
//	    log.Fatal(err)
//	}
//	result, err := engine.ActivateSubscription(ctx, sub.ID)
//
// Billing runs only when invoked. Wire the sweeps to cron or any
// scheduler you already run:
//
//	engine.ProcessDue(ctx)              // lapsed periods
//	engine.ProcessRetries(ctx)          // scheduled retries that have come due
//	engine.ProcessGraceExpirations(ctx) // grace windows that have run out
//	engine.ProcessTrialsEnding(ctx)     // trials to convert
//
// Payment failures are classified and routed by policy: retriable
// failures back off exponentially, hard declines fall through to
// past_due with a grace window, and an exhausted grace window expires
// the subscription.
//
// # Money
//
// All monetary calculations use integer arithmetic to avoid floating-point
// precision issues. The Money type represents amounts in the smallest currency
// unit (cents for USD, pence for GBP, etc).
//
// # TypeID
//
// All entities use TypeID for globally unique, type-safe identifiers:
//
//	sub_01h2xcejqtf2nbrexx3vqjhp41  // Subscription ID
//	pay_01h455vb4pex5vsknk084sn02q  // Payment ID
//	dsc_01h455vb4pex5vsknk084sn02q  // Discount ID
//
// TypeIDs are K-sortable, making them ideal for database indexes and
// providing natural time-ordering of entities.
package rebill
