// Package bridge makes calls into the guest signing library safe and
// repeatable.
//
// A Bridge owns exactly one GuestVM. Every request runs through Do, which
// holds the bridge lock for the whole request and wraps it in a Scope so
// that all guest references created on its behalf are released on every
// exit path:
//
//	err := b.Do(ctx, "SignPost", func(s *bridge.Session) error {
//	    url, err := s.ToGuest("https://example.com/api")
//	    if err != nil {
//	        return err
//	    }
//	    body, err := s.ToGuest(`{"k":"v"}`)
//	    if err != nil {
//	        return err
//	    }
//	    ref, err := s.Invoke(bridge.OpPost, url, body)
//	    if err != nil {
//	        return err
//	    }
//	    signed, ok, err := s.FromGuest(ref)
//	    ...
//	})
//
// # Call paths
//
// Operations with Symbolic set are first resolved by class, method name and
// descriptor through the guest's registered natives and JNI exports. If that
// fails to resolve, the address is computed as module base plus the offset
// configured for the operation and the native frame is built by hand:
// [env, 0, args...].
//
// # Aborts
//
// A guest trap, a call-out the shim cannot answer, or a call timeout poisons
// the bridge. The next request closes the guest and loads a fresh one
// through the Loader before it runs. Offsets are selected per loaded build.
package bridge
