package sqlite

import (
	"fmt"
	"net/http"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/remi71350-droid/perception-lab/internal/httputil"
)

// AttachAdminRoutes mounts the tsweb debug index on mux with a live SQL
// console over the store and a JSON listing of recent evaluations.
func (s *Store) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+s.path, s.db, &tailsql.DBOptions{
		Label: "Evaluation DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	store := NewEvaluationStore(s)
	debug.Handle("evaluations", "Most recent evaluation results (JSON)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		evals, err := store.ListRecent(50)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, evals)
	}))
	return nil
}
