// Package peercall implements peer-to-peer call signaling and the call
// connection lifecycle for a two-party chat application.
//
// Signaling rides on a shared document store: each call is one record
// holding the offer, the answer, ICE candidate fragments and a status
// field, and both parties watch the record for changes. The package
// manages the rest of the call around that record: local media
// acquisition, the peer transport, glare and retry recovery, timeouts,
// and connection quality monitoring.
//
// # Getting Started
//
// Build a Manager over a signaling store and a media source, then place
// or answer calls through it:
//
//	store := signaling.NewMemoryStore()
//
//	mgr, err := peercall.NewManager(peercall.Options{
//	    UserID: "alice",
//	    Store:  store,
//	    Media:  media.NewAcquirer(media.SilenceOpener{}),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	session, err := mgr.PlaceCall(ctx, "chat-1", "bob",
//	    signaling.CallTypeAudio, peercall.Callbacks{
//	        OnStateChange: func(s peercall.State) {
//	            fmt.Println("call state:", s)
//	        },
//	        OnEnded: func(err error) {
//	            fmt.Println("call over:", err)
//	        },
//	    })
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	<-session.Done()
//
// The other side answers with mgr.AnswerCall(ctx, callID, callbacks) or
// rejects with mgr.DeclineCall(ctx, callID).
//
// Production deployments back the store with Valkey via the
// signaling/valkeystore package; the in-memory store serves tests and
// single-process use.
package peercall
