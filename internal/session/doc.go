// Package session implements the Transport Session: one physical broker
// connection plus the flow-controlled channels multiplexed over it.
//
// A Session is a single-use lifecycle object:
//
//	Disconnected → Connecting → Ready ⇄ Degraded
//	                    │           │
//	                    └─ fail ────┴─ drop/Close → Disconnected (terminal)
//
// Connect performs exactly one handshake and never retries on its own. When an
// established connection drops, the Session moves to Disconnected, records the
// cause, and closes the Lost channel exactly once; that signal is the only
// thing that triggers reconnection, which is the supervisor's job. A Session
// that has been Ready is never reconnected: the supervisor builds a new one.
//
// Publishes go through a dedicated channel whose wire writes are serialised by
// a mutex, so consumer channels never block publishers. Each consumer channel
// carries a Budget that bounds its in-flight deliveries; a saturated budget
// moves the Session to Degraded until a slot is released.
package session
