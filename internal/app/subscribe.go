package app

import "custody.mini/cbank/internal/ledger"

const subscriberBuffer = 32

// Subscribe returns a channel of committed records and a function that
// unregisters it. Slow subscribers miss records rather than blocking the
// executor.
func (app *Application) Subscribe() (<-chan ledger.Record, func()) {
	ch := make(chan ledger.Record, subscriberBuffer)

	app.subsMu.Lock()
	app.subs[ch] = struct{}{}
	app.subsMu.Unlock()

	var once bool
	cancel := func() {
		app.subsMu.Lock()
		defer app.subsMu.Unlock()
		if once {
			return
		}
		once = true
		delete(app.subs, ch)
		close(ch)
	}
	return ch, cancel
}

func (app *Application) publish(rec ledger.Record) {
	app.subsMu.Lock()
	defer app.subsMu.Unlock()
	for ch := range app.subs {
		select {
		case ch <- rec:
		default:
			app.log.Warn("dropping record for slow subscriber", "record", rec.ID)
		}
	}
}
