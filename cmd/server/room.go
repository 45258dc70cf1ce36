package main

import (
	"net/url"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kevinxiao27/ycrdt/crdt"
	"github.com/kevinxiao27/ycrdt/ol"
	"github.com/kevinxiao27/ycrdt/util"
)

const serverAgent = "server"

// room is one shared document. The embedded mutex guards doc; peers lock it
// through ysync.WithLocker.
type room struct {
	sync.Mutex
	name    string
	doc     *crdt.Doc
	updates *ol.UpdateLog
	agents  map[any]string
	log     zerolog.Logger
}

func newRoom(name string, compactAfter int, log zerolog.Logger) *room {
	r := &room{
		name:    name,
		updates: ol.NewUpdateLog(),
		agents:  map[any]string{},
		log:     log.With().Str("room", name).Logger(),
	}
	r.doc = crdt.NewDoc(crdt.WithGUID(name), crdt.WithLogger(r.log))
	r.doc.OnUpdate(func(update []byte, origin any, _ *crdt.Transaction) {
		agent, ok := r.agents[origin]
		if _, err := r.updates.Append(util.Choose(ok, agent, serverAgent), update); err != nil {
			r.log.Error().Err(err).Msg("update log rejected update")
			return
		}
		if compactAfter > 0 && r.updates.Len() > compactAfter {
			if err := r.updates.Compact(); err != nil {
				r.log.Error().Err(err).Msg("compaction failed")
				return
			}
			r.log.Debug().Int("bytes", r.updates.Size()).Msg("compacted update log")
		}
	})
	return r
}

// join registers origin as the agent named id. Callers hold the room lock.
func (r *room) join(origin any, id string) {
	r.agents[origin] = id
}

func (r *room) leave(origin any) {
	r.Lock()
	defer r.Unlock()
	delete(r.agents, origin)
}

func (r *room) peers() int {
	r.Lock()
	defer r.Unlock()
	return len(r.agents)
}

type roomState struct {
	Room        string           `json:"room"`
	Content     map[string]any   `json:"content"`
	StateVector crdt.StateVector `json:"stateVector"`
	Peers       int              `json:"peers"`
	LogEntries  int              `json:"logEntries"`
	LogBytes    int              `json:"logBytes"`
}

// state renders the room. The server does not know the type of a root until
// asked, so roots["text"], roots["array"], roots["map"] and roots["xml"] name
// the roots to type before rendering. Untyped roots are left out.
func (r *room) state(roots url.Values) (roomState, error) {
	r.Lock()
	defer r.Unlock()
	getters := map[string]func(string) error{
		"text":  func(n string) error { _, err := r.doc.GetText(n); return err },
		"array": func(n string) error { _, err := r.doc.GetArray(n); return err },
		"map":   func(n string) error { _, err := r.doc.GetMap(n); return err },
		"xml":   func(n string) error { _, err := r.doc.GetXmlFragment(n); return err },
	}
	for kind, get := range getters {
		for _, name := range roots[kind] {
			if err := get(name); err != nil {
				return roomState{}, err
			}
		}
	}
	return roomState{
		Room:        r.name,
		Content:     r.doc.ToJSON(),
		StateVector: r.updates.StateVector(),
		Peers:       len(r.agents),
		LogEntries:  r.updates.Len(),
		LogBytes:    r.updates.Size(),
	}, nil
}

// apply integrates an update pushed over http.
func (r *room) apply(update []byte, agent string) error {
	r.Lock()
	defer r.Unlock()
	origin := &agent
	r.agents[origin] = agent
	defer delete(r.agents, origin)
	return crdt.ApplyUpdate(r.doc, update, origin)
}
