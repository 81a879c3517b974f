package runestone

// Flaw identifies why a deciphered message could not be accepted as a
// well-formed Runestone.
type Flaw int

const (
	// FlawVarint means the payload's varint stream was malformed.
	FlawVarint Flaw = iota
	// FlawTrailingIntegers means an odd number of integers remained
	// after the optional pointer was consumed.
	FlawTrailingIntegers
	// FlawEdictOutput means an edict referenced an output index beyond
	// the transaction's output count.
	FlawEdictOutput
)

func (f Flaw) String() string {
	switch f {
	case FlawVarint:
		return "varint"
	case FlawTrailingIntegers:
		return "trailing_integers"
	case FlawEdictOutput:
		return "edict_output"
	default:
		return "unknown"
	}
}
