package certpin

// Listener is notified once per evaluated challenge. ChallengeFailed is
// called for cancelled challenges, ChallengeSucceeded for every other
// verdict, including those handed back for default handling.
//
// Listeners are called synchronously on the goroutine evaluating the
// challenge and may be called concurrently.
type Listener interface {
	ChallengeSucceeded()
	ChallengeFailed()
}

// ListenerFuncs adapts a pair of functions to the Listener interface. Nil
// functions are skipped.
type ListenerFuncs struct {
	OnSuccess func()
	OnFailure func()
}

func (f ListenerFuncs) ChallengeSucceeded() {
	if f.OnSuccess != nil {
		f.OnSuccess()
	}
}

func (f ListenerFuncs) ChallengeFailed() {
	if f.OnFailure != nil {
		f.OnFailure()
	}
}

// listenerSlot gives atomic.Value a single concrete type to hold.
type listenerSlot struct {
	listener Listener
}
