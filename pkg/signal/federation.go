package signal

// Sibling is one other instance of the federation. Clients open one
// control connection per sibling; the server never dials out itself.
type Sibling struct {
	Namespace string `mapstructure:"namespace" json:"namespace"`
	URL       string `mapstructure:"url" json:"url"`
}

// FederationConfig defines the capacity limit and the fixed roster of
// sibling instances.
type FederationConfig struct {
	// Limit is the per-room participant limit of this instance.
	Limit int `mapstructure:"limit"`
	// NextURL is where overflowing joins are redirected.
	NextURL string `mapstructure:"nexturl"`
	// Last marks the final instance of the chain: overflow is rejected
	// instead of redirected.
	Last bool `mapstructure:"last"`
	// Siblings lists every instance of the federation, this one
	// included. A non-empty roster enables the mesh topology.
	Siblings []Sibling `mapstructure:"siblings"`
}

// Decision is the outcome of a room-admission check.
type Decision int

const (
	// AdmitLocal lets the peer join this instance.
	AdmitLocal Decision = iota
	// RedirectNext sends the client to the next instance in the chain.
	RedirectNext
	// RejectFull turns the client away: the room is full everywhere.
	RejectFull
)

// federation gates room admission. Below the limit a join proceeds
// locally; at or above it the client is redirected down the chain, or
// rejected if this is the last instance.
type federation struct {
	cfg FederationConfig
}

func newFederation(cfg FederationConfig) *federation {
	return &federation{cfg: cfg}
}

func (f *federation) admit(occupancy int) (Decision, string) {
	if f.cfg.Limit <= 0 || occupancy < f.cfg.Limit {
		return AdmitLocal, ""
	}
	if !f.cfg.Last && f.cfg.NextURL != "" {
		return RedirectNext, f.cfg.NextURL
	}
	return RejectFull, ""
}

// mesh reports whether this deployment runs the multi-namespace
// topology, where occupancy counts only peers producing through this
// instance rather than every member.
func (f *federation) mesh() bool {
	return len(f.cfg.Siblings) > 0
}

func (f *federation) siblings() []Sibling {
	return f.cfg.Siblings
}
