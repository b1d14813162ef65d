/*
Package servhash implements the router-side service registration
table.

The broker offers dynamic service registration to direct peers. A
router sitting between clients and a broker must maintain its own
table of registrations, manage upstream registrations on behalf of
its clients, and route request messages back to the owning client.

# Entry state machine

	CREATED → ADD-PENDING → LIVE → REMOVE-PENDING → GONE

plus a failure transition ADD-PENDING → GONE that answers the saved
add request with the upstream errnum and registers nothing. An entry
deleted while LIVE with no remove issued (client disconnect, router
shutdown) settles upstream with an open-loop unregister: fire and
forget, future discarded. Whatever path an entry takes, destruction
never leaves a registration standing upstream with nobody owning it.

# Usage

	sh, err := servhash.New(upstreamHandle)
	if err != nil {
		return err
	}
	sh.SetRespond(func(req *message.Message, owner string, errnum int) {
		// deliver the deferred reply to the client connection
	})

	// client sent service.add
	if err := sh.Add(name, clientUUID, req); err != nil { ... }

	// client connection dropped
	sh.Disconnect(clientUUID)

	// router exit
	sh.Destroy()

The table is reactor-local. Continuations run when the upstream
futures are fulfilled by the router's dispatch loop.
*/
package servhash
