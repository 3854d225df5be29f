package handler

// Observer receives lifecycle notifications from a Handler.
// Observers are one-way: they must not call Dispose or mutate the handler
// from inside a notification.
type Observer interface {
	StateChanged(from, to State)
	Fatal(actions []Action)
}

// ObserverFuncs adapts plain functions to Observer; nil fields are skipped
type ObserverFuncs struct {
	OnStateChanged func(from, to State)
	OnFatal        func(actions []Action)
}

func (o ObserverFuncs) StateChanged(from, to State) {
	if o.OnStateChanged != nil {
		o.OnStateChanged(from, to)
	}
}

func (o ObserverFuncs) Fatal(actions []Action) {
	if o.OnFatal != nil {
		o.OnFatal(actions)
	}
}

type subscription struct {
	id       uint64
	observer Observer
}
