package main

import (
	"net/http"
	"net/http/pprof"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
	"github.com/pkg/profile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newAdminHandler serves /metrics and, if withPprof is set, the runtime
// profiles under /debug/pprof/.
func newAdminHandler(g prometheus.Gatherer, withPprof bool) http.Handler {
	router := httprouter.New()
	router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	if withPprof {
		router.GET("/debug/pprof/*name", servePprof)
		router.POST("/debug/pprof/*name", servePprof)
	}
	return router
}

func servePprof(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	switch name := strings.TrimPrefix(ps.ByName("name"), "/"); name {
	case "":
		pprof.Index(w, r)
	case "cmdline":
		pprof.Cmdline(w, r)
	case "profile":
		pprof.Profile(w, r)
	case "symbol":
		pprof.Symbol(w, r)
	case "trace":
		pprof.Trace(w, r)
	default:
		if r.Method != http.MethodGet {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		pprof.Handler(name).ServeHTTP(w, r)
	}
}

var profileModes = map[string]func(*profile.Profile){
	"cpu":       profile.CPUProfile,
	"mem":       profile.MemProfile,
	"block":     profile.BlockProfile,
	"mutex":     profile.MutexProfile,
	"goroutine": profile.GoroutineProfile,
	"trace":     profile.TraceProfile,
}

// startProfile starts writing a profile of the given mode to dir. The
// returned function stops it and flushes the file.
func startProfile(mode, dir string) (func(), error) {
	if mode == "" {
		return func() {}, nil
	}
	m, ok := profileModes[strings.ToLower(mode)]
	if !ok {
		return nil, errors.Errorf("unknown profile mode %q", mode)
	}
	opts := []func(*profile.Profile){m, profile.NoShutdownHook, profile.Quiet}
	if dir != "" {
		opts = append(opts, profile.ProfilePath(dir))
	}
	return profile.Start(opts...).Stop, nil
}
