package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sigreer/diskd/internal/api"
	"github.com/sigreer/diskd/internal/device"
	"github.com/sigreer/diskd/internal/diskerr"
	"github.com/sigreer/diskd/internal/policy"
)

// eventBuffer is the per-stream backlog before events are dropped
const eventBuffer = 64

func (s *Server) routes() {
	s.mux.HandleFunc("GET /devices", s.listDevices)
	s.mux.HandleFunc("GET /devices/{name}", s.getDevice)
	s.mux.HandleFunc("POST /devices/{name}/refresh", s.mutating(s.refreshDevice))
	s.mux.HandleFunc("POST /devices/{name}/mounted", s.mutating(s.setMounted))
	s.mux.HandleFunc("POST /devices/{name}/unmounted", s.mutating(s.setUnmounted))
	s.mux.HandleFunc("/devices/{name}/interfaces/{iface}/", s.deviceInterface)

	s.mux.HandleFunc("GET /inhibitors", s.listInhibitors)
	s.mux.HandleFunc("POST /inhibitors", s.mutating(s.inhibit))
	s.mux.HandleFunc("DELETE /inhibitors/{cookie}", s.mutating(s.uninhibit))

	s.mux.HandleFunc("GET /events", s.streamEvents)
	s.mux.HandleFunc("GET /filesystems", s.listFilesystems)

	s.mux.HandleFunc("GET /managers", s.listManagers)
	s.mux.HandleFunc("/managers/{name}/", s.manager)
}

// mutating rate-limits h per caller
func (s *Server) mutating(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if caller, ok := policy.CallerFromContext(r.Context()); ok && !s.limiter.allow(caller, time.Now()) {
			_ = api.WriteJSON(w, http.StatusTooManyRequests, api.Error{
				Kind:    string(diskerr.Busy),
				Message: "too many requests",
			})
			return
		}
		h(w, r)
	}
}

// lookup resolves the {name} path value to a published device
func (s *Server) lookup(r *http.Request) (*device.Device, error) {
	name := r.PathValue("name")
	dev := s.d.FindByHandle(device.HandlePrefix + name)
	if dev == nil {
		return nil, diskerr.New(diskerr.NotFound, "no device %s", name)
	}
	return dev, nil
}

func (s *Server) view(dev *device.Device) api.Device {
	return deviceView(dev.Snapshot(), s.d.Interfaces(dev.Handle()))
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	if file := r.URL.Query().Get("file"); file != "" {
		dev := s.d.FindByDeviceFile(file)
		if dev == nil {
			api.WriteError(w, diskerr.New(diskerr.NotFound, "no device for %s", file))
			return
		}
		_ = api.WriteJSON(w, http.StatusOK, []api.Device{s.view(dev)})
		return
	}

	devs := s.d.Devices()
	out := make([]api.Device, 0, len(devs))
	for _, dev := range devs {
		out = append(out, s.view(dev))
	}
	_ = api.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.lookup(r)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	_ = api.WriteJSON(w, http.StatusOK, s.view(dev))
}

func (s *Server) refreshDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.lookup(r)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	err = s.d.AuthorizeAndExecute(r.Context(), policy.ActionRefresh, func(ctx context.Context) error {
		return s.d.Refresh(ctx, dev.Handle())
	})
	if err != nil {
		api.WriteError(w, err)
		return
	}
	_ = api.WriteJSON(w, http.StatusOK, s.view(dev))
}

func (s *Server) setMounted(w http.ResponseWriter, r *http.Request) {
	dev, err := s.lookup(r)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	var req api.MountRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, err)
		return
	}
	err = s.d.AuthorizeAndExecute(r.Context(), policy.ActionMountState, func(context.Context) error {
		return s.d.SetMounted(dev, req.Path)
	})
	if err != nil {
		api.WriteError(w, err)
		return
	}
	_ = api.WriteJSON(w, http.StatusOK, s.view(dev))
}

func (s *Server) setUnmounted(w http.ResponseWriter, r *http.Request) {
	dev, err := s.lookup(r)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	err = s.d.AuthorizeAndExecute(r.Context(), policy.ActionMountState, func(context.Context) error {
		return s.d.SetUnmounted(dev)
	})
	if err != nil {
		api.WriteError(w, err)
		return
	}
	_ = api.WriteJSON(w, http.StatusOK, s.view(dev))
}

func (s *Server) deviceInterface(w http.ResponseWriter, r *http.Request) {
	dev, err := s.lookup(r)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	name := r.PathValue("iface")
	for _, iface := range s.d.Interfaces(dev.Handle()) {
		if iface.Name() != name {
			continue
		}
		prefix := "/devices/" + r.PathValue("name") + "/interfaces/" + name
		http.StripPrefix(prefix, iface).ServeHTTP(w, r)
		return
	}
	api.WriteError(w, diskerr.New(diskerr.NotFound, "device %s has no interface %s", r.PathValue("name"), name))
}

func (s *Server) listInhibitors(w http.ResponseWriter, r *http.Request) {
	inhibitors := s.d.Inhibitors()
	out := make([]api.Inhibitor, 0, len(inhibitors))
	for _, inh := range inhibitors {
		out = append(out, inhibitorView(inh))
	}
	_ = api.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) inhibit(w http.ResponseWriter, r *http.Request) {
	var req api.InhibitRequest
	if r.ContentLength != 0 {
		if err := api.DecodeJSON(r, &req); err != nil {
			api.WriteError(w, err)
			return
		}
	}
	holder := req.Holder
	if caller, ok := policy.CallerFromContext(r.Context()); ok && holder == "" {
		holder = "pid " + strconv.FormatInt(int64(caller.PID), 10)
	}

	var cookie string
	err := s.d.AuthorizeAndExecute(r.Context(), policy.ActionInhibitPolling, func(context.Context) error {
		cookie = s.d.InhibitPolling(holder)
		return nil
	})
	if err != nil {
		api.WriteError(w, err)
		return
	}
	_ = api.WriteJSON(w, http.StatusCreated, api.InhibitResponse{Cookie: cookie})
}

func (s *Server) uninhibit(w http.ResponseWriter, r *http.Request) {
	cookie := r.PathValue("cookie")
	err := s.d.AuthorizeAndExecute(r.Context(), policy.ActionInhibitPolling, func(context.Context) error {
		return s.d.UninhibitPolling(cookie)
	})
	if err != nil {
		api.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// streamEvents writes one JSON event per line until the client goes away
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		api.WriteError(w, diskerr.New(diskerr.NotSupported, "streaming is not supported"))
		return
	}

	handle := ""
	if name := strings.TrimSpace(r.URL.Query().Get("device")); name != "" {
		handle = device.HandlePrefix + name
		if s.d.FindByHandle(handle) == nil {
			api.WriteError(w, diskerr.New(diskerr.NotFound, "no device %s", name))
			return
		}
	}

	sub := s.d.Subscribe(handle, eventBuffer)
	defer sub.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := enc.Encode(eventView(ev)); err != nil {
				s.log.V(1).Info("Event stream closed", "error", err.Error())
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) listFilesystems(w http.ResponseWriter, r *http.Request) {
	_ = api.WriteJSON(w, http.StatusOK, s.d.Filesystems())
}

func (s *Server) listManagers(w http.ResponseWriter, r *http.Request) {
	managers := s.d.Managers()
	names := make([]string, 0, len(managers))
	for _, m := range managers {
		names = append(names, m.Name())
	}
	_ = api.WriteJSON(w, http.StatusOK, names)
}

func (s *Server) manager(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	m, ok := s.d.Manager(name)
	if !ok {
		api.WriteError(w, diskerr.New(diskerr.NotFound, "no manager %s", name))
		return
	}
	http.StripPrefix("/managers/"+name, m).ServeHTTP(w, r)
}
