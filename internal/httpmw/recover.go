package httpmw

import (
	"net/http"
	"runtime/debug"

	"github.com/keithlinneman/signup-provisioner/internal/log"
	"github.com/keithlinneman/signup-provisioner/internal/xerrors"
)

// Recover converts handler panics into 500 responses instead of killing
// the connection. onPanic is an optional callback (e.g. a prometheus
// counter increment) invoked after the panic is logged.
func Recover(L log.Logger, onPanic func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				// net/http uses this sentinel to abort a response on purpose
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				err, ok := rec.(error)
				if !ok {
					err = xerrors.Newf("panic: %v", rec)
				}

				L.With(
					"method", r.Method,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				).Error(r.Context(), err, "httpserver panic recovered")

				if onPanic != nil {
					onPanic()
				}

				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
