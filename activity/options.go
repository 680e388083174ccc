package activity

// Options carries per-delivery context through the pipeline.
type Options struct {
	// DeliveredToAccountID is set when the payload arrived at a
	// specific account's inbox rather than the shared inbox.
	DeliveredToAccountID string

	// OverrideTimestamps forces distribution even for backdated posts.
	OverrideTimestamps bool

	// RequestID correlates follow-up jobs with the originating
	// delivery.
	RequestID string

	// RawDelivery holds the delivery body exactly as received. A
	// forwarded payload falls back to these bytes when our own
	// serialization would break the embedded signature.
	RawDelivery []byte

	// Depth is the recursive dereference depth consumed so far.
	Depth int

	// Fetch marks activities we dereferenced ourselves, which are
	// always of local interest.
	Fetch bool
}
