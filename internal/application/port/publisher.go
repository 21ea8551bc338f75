package port

// Publisher delivers a normalized tick to every locally-subscribed party
// watching its instrument. Publish must not block on slow consumers.
type Publisher interface {
	Publish(rec *TickRecord)
}
