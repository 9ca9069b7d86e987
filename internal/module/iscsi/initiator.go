package iscsi

import (
	"context"
	"net/http"

	"github.com/sigreer/diskd/internal/api"
	"github.com/sigreer/diskd/internal/diskerr"
	"github.com/sigreer/diskd/internal/module"
)

// Initiator is the daemon-wide iSCSI manager interface
type Initiator struct {
	host module.Host
	st   *state
	mux  *http.ServeMux
}

type nameBody struct {
	Name string `json:"name"`
}

type portalBody struct {
	Portal string `json:"portal"`
}

func newInitiator(host module.Host, s any) (module.Interface, error) {
	st, ok := s.(*state)
	if !ok {
		return nil, diskerr.New(diskerr.Failed, "unexpected module state %T", s)
	}
	i := &Initiator{host: host, st: st, mux: http.NewServeMux()}
	i.routes()
	return i, nil
}

func (i *Initiator) Name() string {
	return InterfaceName
}

func (i *Initiator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	i.mux.ServeHTTP(w, r)
}

func (i *Initiator) routes() {
	i.mux.HandleFunc("GET /initiator-name", i.getName)
	i.mux.HandleFunc("PUT /initiator-name", i.putName)
	i.mux.HandleFunc("GET /sessions", i.listSessions)
	i.mux.HandleFunc("POST /discover", i.discover)
	i.mux.HandleFunc("POST /login", i.nodeOp(false))
	i.mux.HandleFunc("POST /logout", i.nodeOp(true))
}

func (i *Initiator) getName(w http.ResponseWriter, r *http.Request) {
	name, err := i.st.initiatorName()
	if err != nil {
		api.WriteError(w, err)
		return
	}
	_ = api.WriteJSON(w, http.StatusOK, nameBody{Name: name})
}

func (i *Initiator) putName(w http.ResponseWriter, r *http.Request) {
	var body nameBody
	if err := api.DecodeJSON(r, &body); err != nil {
		api.WriteError(w, err)
		return
	}
	err := i.host.AuthorizeAndExecute(r.Context(), ActionConfigure, func(context.Context) error {
		return i.st.setInitiatorName(body.Name)
	})
	if err != nil {
		api.WriteError(w, err)
		return
	}
	i.host.Logger().Info("Initiator name changed", "name", body.Name)
	w.WriteHeader(http.StatusNoContent)
}

func (i *Initiator) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := i.st.sessions()
	if err != nil {
		api.WriteError(w, err)
		return
	}
	_ = api.WriteJSON(w, http.StatusOK, sessions)
}

func (i *Initiator) discover(w http.ResponseWriter, r *http.Request) {
	var body portalBody
	if err := api.DecodeJSON(r, &body); err != nil {
		api.WriteError(w, err)
		return
	}
	var nodes []Node
	err := i.host.AuthorizeAndExecute(r.Context(), ActionLogin, func(ctx context.Context) error {
		var err error
		nodes, err = i.st.discover(ctx, body.Portal)
		return err
	})
	if err != nil {
		api.WriteError(w, err)
		return
	}
	_ = api.WriteJSON(w, http.StatusOK, nodes)
}

func (i *Initiator) nodeOp(logout bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var n Node
		if err := api.DecodeJSON(r, &n); err != nil {
			api.WriteError(w, err)
			return
		}
		err := i.host.AuthorizeAndExecute(r.Context(), ActionLogin, func(ctx context.Context) error {
			return i.st.login(ctx, n, logout)
		})
		if err != nil {
			api.WriteError(w, err)
			return
		}
		i.host.Logger().Info("iSCSI node operation done", "target", n.Target, "portal", n.Portal, "logout", logout)
		w.WriteHeader(http.StatusNoContent)
	}
}
