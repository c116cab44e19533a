// Package monitor polls the supervised server over the persistent RCON
// connection on a three-phase rotation and publishes a status update every
// tick.
package monitor

import "sync"

// Unknown is shown for a metric that has never been read.
const Unknown = "--"

// Values is a copy of the game metrics.
type Values struct {
	TPS           string `json:"tps"`
	MSPT          string `json:"mspt"`
	PlayersOnline string `json:"players_online"`
	PlayersMax    string `json:"players_max"`
}

func unknownValues() Values {
	return Values{TPS: Unknown, MSPT: Unknown, PlayersOnline: Unknown, PlayersMax: Unknown}
}

// Snapshot holds the last known game metrics. A field changes only when a
// response parses, so a failed read keeps the previous value. Only Reset
// puts fields back to Unknown.
type Snapshot struct {
	mu  sync.Mutex
	v   Values
	gen uint64 // bumped by Reset
}

func NewSnapshot() *Snapshot {
	return &Snapshot{v: unknownValues()}
}

func (s *Snapshot) Values() Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v
}

func (s *Snapshot) SetTPS(v string) { s.Writer().SetTPS(v) }

func (s *Snapshot) SetMSPT(v string) { s.Writer().SetMSPT(v) }

func (s *Snapshot) SetPlayers(online, max string) { s.Writer().SetPlayers(online, max) }

// Reset returns every field to Unknown. Writers taken before the reset
// become no-ops.
func (s *Snapshot) Reset() {
	s.mu.Lock()
	s.v = unknownValues()
	s.gen++
	s.mu.Unlock()
}

// Writer returns a handle whose setters apply only while no Reset has
// happened since the call. A poll takes one before issuing its command so
// a response that lands after a stop or crash is discarded.
func (s *Snapshot) Writer() Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Writer{s: s, gen: s.gen}
}

type Writer struct {
	s   *Snapshot
	gen uint64
}

func (w Writer) apply(fn func(v *Values)) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	if w.s.gen == w.gen {
		fn(&w.s.v)
	}
}

func (w Writer) SetTPS(v string) {
	if v == "" {
		return
	}
	w.apply(func(x *Values) { x.TPS = v })
}

func (w Writer) SetMSPT(v string) {
	if v == "" {
		return
	}
	w.apply(func(x *Values) { x.MSPT = v })
}

func (w Writer) SetPlayers(online, max string) {
	if online == "" || max == "" {
		return
	}
	w.apply(func(x *Values) {
		x.PlayersOnline = online
		x.PlayersMax = max
	})
}
