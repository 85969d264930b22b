// Package app composes the raffle engine into a running application.
//
// It owns wiring and lifecycle only. Round rules live in
// internal/app/services/raffle, persistence in internal/app/storage and the
// HTTP surface in internal/app/httpapi.
//
// The dependency flow is:
//
//	cmd/raffled
//	      │
//	      ▼
//	internal/app/runtime (config, database, redis, http server)
//	      │
//	      ▼
//	internal/app (composition)
//	      │
//	      ├──► services/raffle     (engine)
//	      ├──► services/vrf        (randomness coordinators)
//	      ├──► services/payout     (vault, http payer)
//	      ├──► services/automation (keeper)
//	      ├──► events              (bus, journal, redis, websocket)
//	      └──► httpapi             (routes)
//
// Services with a lifecycle implement system.Service and are started in
// registration order by a system.Manager, which stops them in reverse.
package app
