package worker

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
)

// NewPassthrough returns the handler for requests that are not archive
// scoped. Absolute-URI (proxy style) requests go to their own target;
// others go to origin. Without an origin such requests get 502.
func NewPassthrough(origin string) http.Handler {
	var base *url.URL
	if origin != "" {
		if u, err := url.Parse(origin); err == nil && u.IsAbs() {
			base = u
		}
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			if pr.In.URL.IsAbs() {
				target := *pr.In.URL
				pr.Out.URL = &target
				pr.Out.Host = target.Host
				return
			}
			pr.SetURL(base)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			slog.Default().Debug("pass-through request failed", "url", r.URL.String(), "error", err)
			http.Error(w, "Error fetching content: "+err.Error(), http.StatusBadGateway)
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !r.URL.IsAbs() && base == nil {
			http.Error(w, "No upstream for "+r.URL.Path, http.StatusBadGateway)
			return
		}
		proxy.ServeHTTP(w, r)
	})
}
