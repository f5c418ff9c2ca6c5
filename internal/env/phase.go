package env

// Phase is the session phase the engine is currently in.
type Phase int

const (
	PhaseGlobal Phase = iota
	PhaseOnInit
	PhaseBeforeTrading
	PhaseOpenAuction
	PhaseOnBar
	PhaseOnTick
	PhaseAfterTrading
	PhaseSettlement
	PhaseFinalized
)

var phaseNames = [...]string{
	PhaseGlobal:        "GLOBAL",
	PhaseOnInit:        "ON_INIT",
	PhaseBeforeTrading: "BEFORE_TRADING",
	PhaseOpenAuction:   "OPEN_AUCTION",
	PhaseOnBar:         "ON_BAR",
	PhaseOnTick:        "ON_TICK",
	PhaseAfterTrading:  "AFTER_TRADING",
	PhaseSettlement:    "SETTLEMENT",
	PhaseFinalized:     "FINALIZED",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "UNKNOWN"
	}
	return phaseNames[p]
}

// IsWaiting reports whether orders submitted now must wait for the next
// session before they can become active.
func (p Phase) IsWaiting() bool {
	switch p {
	case PhaseGlobal, PhaseOnInit, PhaseAfterTrading, PhaseSettlement, PhaseFinalized:
		return true
	default:
		return false
	}
}
