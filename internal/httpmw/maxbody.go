package httpmw

import "net/http"

// DefaultMaxBody is enough for any JSON request the API accepts.
const DefaultMaxBody int64 = 64 << 10

// MaxBody caps request bodies at n bytes. Reads past the cap fail with
// *http.MaxBytesError and the connection is closed after the response.
func MaxBody(n int64) func(http.Handler) http.Handler {
	if n <= 0 {
		n = DefaultMaxBody
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}
